package state

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ChuLiYu/procjournal/internal/journal"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/internal/snapshot"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

var log = logging.Component("state")

// Observer receives projection timings. metrics.Collector satisfies it.
type Observer interface {
	ObserveReplay(d time.Duration, events int)
	SnapshotHit()
	SnapshotMiss()
}

// Projector folds journals, optionally starting from a cached snapshot.
type Projector struct {
	Observer Observer
}

// Project returns the projection of records. When snap holds a projection of a strict
// prefix of records, only the tail is folded; otherwise it falls back to a full replay.
// The boolean reports whether the snapshot was used.
func (pr *Projector) Project(records []journal.Record, snap *snapshot.Manager) (*Projection, bool, error) {
	start := time.Now()
	p, hit := pr.fromSnapshot(records, snap)
	from := 0
	if hit {
		from = p.Events
	} else {
		p = New()
	}
	if err := p.ApplyAll(records[from:]); err != nil {
		return nil, false, err
	}
	if pr.Observer != nil {
		pr.Observer.ObserveReplay(time.Since(start), len(records)-from)
		if snap != nil {
			if hit {
				pr.Observer.SnapshotHit()
			} else {
				pr.Observer.SnapshotMiss()
			}
		}
	}
	return p, hit, nil
}

func (pr *Projector) fromSnapshot(records []journal.Record, snap *snapshot.Manager) (*Projection, bool) {
	if snap == nil || !snap.Exists() {
		return nil, false
	}
	data, err := snap.Load()
	if err != nil {
		log.Debug("snapshot unusable, replaying from start", "path", snap.GetPath(), "error", err)
		if errors.Is(err, snapshot.ErrCorruptedSnapshot) || errors.Is(err, snapshot.ErrIncompatibleVersion) {
			if err := snap.Remove(); err != nil {
				log.Warn("failed to remove unusable snapshot", "path", snap.GetPath(), "error", err)
			}
		}
		return nil, false
	}
	if data.Events == 0 || len(data.Payload) == 0 {
		return nil, false
	}
	if err := VerifyPrefix(data, records); err != nil {
		log.Debug("snapshot is not a prefix of the journal, replaying from start", "path", snap.GetPath(), "error", err)
		return nil, false
	}
	var p Projection
	if err := json.Unmarshal(data.Payload, &p); err != nil {
		log.Debug("snapshot payload unreadable, replaying from start", "path", snap.GetPath(), "error", err)
		return nil, false
	}
	if p.Events != data.Events || p.ChainHash != data.ChainHash {
		return nil, false
	}
	p.normalize()
	return &p, true
}

var errNotPrefix = errors.New("snapshot does not match journal prefix")

// VerifyPrefix checks that data describes the first data.Events records.
func VerifyPrefix(data snapshot.Data, records []journal.Record) error {
	n := data.Events
	if n <= 0 || n > len(records) {
		return errNotPrefix
	}
	if records[n-1].Event.Checksum != data.LastChecksum {
		return errNotPrefix
	}
	if ChainOf(records, n) != data.ChainHash {
		return errNotPrefix
	}
	return nil
}

// Save writes p as the snapshot for its run.
func Save(snap *snapshot.Manager, p *Projection) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return snap.Write(snapshot.Data{
		RunID:        string(p.State.RunID),
		Events:       p.Events,
		LastChecksum: p.LastChecksum,
		ChainHash:    p.ChainHash,
		WrittenAt:    time.Now().UTC(),
		Payload:      payload,
	})
}

// normalize restores empty maps dropped by JSON so that a restored projection behaves
// and serializes exactly like a folded one.
func (p *Projection) normalize() {
	if p.State.Store == nil {
		p.State.Store = map[string]string{}
	}
	if p.State.Results == nil {
		p.State.Results = map[types.EffectID]string{}
	}
	if p.Ledger.Effects == nil {
		p.Ledger.Effects = map[types.EffectID]*Effect{}
	}
	if p.Ledger.ByInvocation == nil {
		p.Ledger.ByInvocation = map[string]types.EffectID{}
	}
	if p.Ledger.Order == nil {
		p.Ledger.Order = []types.EffectID{}
	}
}
