package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"knx-gateway/internal/store"
	"knx-gateway/internal/telegram"
)

const maxFriendlyName = 30

// identityPatch carries the fields to change. Absent fields stay as
// stored; an empty string clears the override.
type identityPatch struct {
	FriendlyName    *string `json:"friendly_name"`
	Address         *string `json:"address"`
	Serial          *string `json:"serial"`
	ProjectID       *uint16 `json:"project_id"`
	ProgrammingMode *bool   `json:"programming_mode"`
}

func (p *identityPatch) validate() error {
	if p.FriendlyName != nil && len(*p.FriendlyName) > maxFriendlyName {
		return fmt.Errorf("friendly_name exceeds %d characters", maxFriendlyName)
	}
	if p.Address != nil && *p.Address != "" {
		if _, err := telegram.ParseIndividualAddr(*p.Address); err != nil {
			return err
		}
	}
	if p.Serial != nil && *p.Serial != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(*p.Serial, ":", ""))
		if err != nil || len(b) != 6 {
			return errors.New("serial must be 6 hex bytes")
		}
	}
	return nil
}

func (p *identityPatch) apply(id *store.Identity) {
	if p.FriendlyName != nil {
		id.FriendlyName = *p.FriendlyName
	}
	if p.Address != nil {
		id.Address = *p.Address
	}
	if p.Serial != nil {
		id.Serial = *p.Serial
	}
	if p.ProjectID != nil {
		id.ProjectID = *p.ProjectID
	}
	if p.ProgrammingMode != nil {
		id.ProgrammingMode = p.ProgrammingMode
	}
}

func (s *Server) handleAPIGetIdentity(w http.ResponseWriter, r *http.Request) {
	if s.identities == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity store disabled"})
		return
	}
	id, err := s.identities.GetIdentity()
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusOK, &store.Identity{})
		return
	}
	if err != nil {
		s.logger.Error("get identity", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, id)
}

// handleAPIPatchIdentity stores overrides. The running gateway keeps its
// identity until restarted.
func (s *Server) handleAPIPatchIdentity(w http.ResponseWriter, r *http.Request) {
	if s.identities == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity store disabled"})
		return
	}
	var patch identityPatch
	r.Body = http.MaxBytesReader(w, r.Body, 1<<12)
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := patch.validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var saved store.Identity
	err := s.identities.UpdateIdentity(func(id *store.Identity) error {
		patch.apply(id)
		saved = *id
		return nil
	})
	if err != nil {
		s.logger.Error("update identity", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.logger.Info("identity override saved", "friendly_name", saved.FriendlyName, "address", saved.Address)
	s.writeJSON(w, http.StatusOK, map[string]any{"identity": saved, "restart_required": true})
}
