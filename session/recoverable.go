package session

import (
	"encoding/json"

	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/storage"
)

const (
	recordTypeRecoverable = "RKS"

	// recoverableVersion is the current record format; older records are
	// regenerated on the next successful authentication.
	recoverableVersion = 2

	recoverableInfo = "recoverable-key-store:v1"
)

type recoverableRecord struct {
	Ver    int    `json:"ver"`
	Label  string `json:"label"`
	Digest []byte `json:"digest"`
}

// ensureRecoverableRecord maintains the recoverable-key-store record for a
// knowledge factor: created at enrollment, version-checked and regenerated
// at each successful authentication. Feature-gated and best-effort; it
// never fails the surrounding operation. Must be called with s.mu held.
func (s *Session) ensureRecoverableRecord(label string, secret []byte) {
	if !s.b.Features.Enabled(FeatureRecoverableKeyStore) {
		return
	}
	if s.ephemeral || s.stashToken == nil {
		return
	}
	st := s.stashToken.Stash()
	if st == nil {
		return
	}

	if rec, err := s.b.Repo.Get(s.userID, recordTypeRecoverable, label); err == nil {
		var rr recoverableRecord
		if json.Unmarshal(rec.Data, &rr) == nil && rr.Ver == recoverableVersion {
			return
		}
	}

	sd := st.SecurityDomainKeys()
	digest, err := util.HKDF(secret, sd.Seed, []byte(recoverableInfo))
	if err != nil {
		s.log.Warn("deriving recoverable key store digest failed", "label", label, "error", err)
		return
	}
	data, err := json.Marshal(recoverableRecord{Ver: recoverableVersion, Label: label, Digest: digest})
	if err != nil {
		s.log.Warn("marshaling recoverable key store record failed", "label", label, "error", err)
		return
	}
	if err := s.b.Repo.Put(s.userID, recordTypeRecoverable, label, &storage.Record{Ver: 1, Data: data}); err != nil {
		s.log.Warn("saving recoverable key store record failed", "label", label, "error", err)
	}
}

// dropRecoverableRecord removes the record for a retired label. Best effort.
func (s *Session) dropRecoverableRecord(label string) {
	if !s.b.Features.Enabled(FeatureRecoverableKeyStore) || s.ephemeral {
		return
	}
	if err := s.b.Repo.Delete(s.userID, recordTypeRecoverable, label); err != nil && !isNotFound(err) {
		s.log.Warn("deleting recoverable key store record failed", "label", label, "error", err)
	}
}

// moveRecoverableRecord follows a relabel. Best effort.
func (s *Session) moveRecoverableRecord(oldLabel, newLabel string) {
	if !s.b.Features.Enabled(FeatureRecoverableKeyStore) || s.ephemeral {
		return
	}
	rec, err := s.b.Repo.Get(s.userID, recordTypeRecoverable, oldLabel)
	if err != nil {
		return
	}
	var rr recoverableRecord
	if err := json.Unmarshal(rec.Data, &rr); err != nil {
		return
	}
	rr.Label = newLabel
	data, err := json.Marshal(rr)
	if err != nil {
		return
	}
	if err := s.b.Repo.Put(s.userID, recordTypeRecoverable, newLabel, &storage.Record{Ver: rec.Ver, Data: data}); err != nil {
		s.log.Warn("moving recoverable key store record failed", "label", newLabel, "error", err)
		return
	}
	s.dropRecoverableRecord(oldLabel)
}
