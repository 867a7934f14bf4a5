package web

import (
	"encoding/json"
	"net/http"

	"knx-gateway/internal/automation"
)

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) decodeAutomation(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return req, false
	}
	return req, true
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "automations not available"})
		return false
	}
	return true
}

// reload restarts or stops a script after its file changed.
func (s *Server) reload(sc *automation.Script) {
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Error("reload script", "id", sc.ID, "err", err)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	req, ok := s.decodeAutomation(w, r)
	if !ok {
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("create script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	req, ok := s.decodeAutomation(w, r)
	if !ok {
		return
	}

	existing.Meta = automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
	existing.LuaCode = req.LuaCode
	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.logger.Error("update script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.scriptMgr.Get(id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	s.autoEngine.StopScript(id)
	if err := s.scriptMgr.Delete(id); err != nil {
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}

	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error("toggle script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.reload(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

// handleAPIRunAutomation runs a stored script once, or the lua_code in the
// body when the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}

	id := r.PathValue("id")
	if id != "_inline" {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
