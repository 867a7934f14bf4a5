package web

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"knx-gateway/internal/telegram"
)

// GroupTimeout bounds a group request issued through the API.
const GroupTimeout = 5 * time.Second

const defaultListLimit = 200

var errBadValue = errors.New("bad group value")

type statusView struct {
	Version         string `json:"version"`
	Uptime          string `json:"uptime"`
	BusConnected    bool   `json:"bus_connected"`
	BusAddress      string `json:"bus_address"`
	FriendlyName    string `json:"friendly_name"`
	Address         string `json:"address"`
	Serial          string `json:"serial"`
	MAC             string `json:"mac"`
	ProgrammingMode bool   `json:"programming_mode"`
	Channels        int    `json:"channels"`
	Tunnels         int    `json:"tunnels"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	id := s.gw.Identity()
	v := statusView{
		Version:         s.version,
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
		BusConnected:    s.gw.Features().BusConnected,
		BusAddress:      s.gw.BusAddress().String(),
		FriendlyName:    id.FriendlyName,
		Address:         id.Address.String(),
		Serial:          hex.EncodeToString(id.Serial[:]),
		MAC:             net.HardwareAddr(id.MAC[:]).String(),
		ProgrammingMode: id.ProgrammingMode,
	}
	for _, ch := range s.gw.Channels() {
		v.Channels++
		if ch.Tunnel() {
			v.Tunnels++
		}
	}
	s.writeJSON(w, http.StatusOK, v)
}

type channelView struct {
	ID        uint8     `json:"id"`
	Type      string    `json:"type"`
	Address   string    `json:"address"`
	Endpoint  string    `json:"endpoint"`
	RecvSeq   uint8     `json:"recv_seq"`
	SendSeq   uint8     `json:"send_seq"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

func (s *Server) handleAPIChannels(w http.ResponseWriter, r *http.Request) {
	views := []channelView{}
	for _, ch := range s.gw.Channels() {
		views = append(views, channelView{
			ID:        ch.ID,
			Type:      ch.Type.String(),
			Address:   ch.Address.String(),
			Endpoint:  ch.Endpoint,
			RecvSeq:   ch.RecvSeq,
			SendSeq:   ch.SendSeq,
			Connected: ch.Connected,
			LastSeen:  ch.LastSeen,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIFeatures(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Features())
}

func (s *Server) handleAPIAddresses(w http.ResponseWriter, r *http.Request) {
	if s.addresses == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "bus monitor disabled"})
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	devices, err := s.addresses.Devices(r.Context(), limit)
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	groups, err := s.addresses.Groups(r.Context(), limit)
	if err != nil {
		s.logger.Error("list groups", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "groups": groups})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session log disabled"})
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sessions, err := s.sessions.ListSessions(limit)
	if err != nil {
		s.logger.Error("list sessions", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

type groupWriteRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAPIGroupWrite(w http.ResponseWriter, r *http.Request) {
	ga, err := telegram.ParseGroupAddr(r.PathValue("ga"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req groupWriteRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	data, err := parseGroupValue(req.Value)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), GroupTimeout)
	defer cancel()
	if err := s.gw.GroupWrite(ctx, ga, data); err != nil {
		s.logger.Warn("group write", "ga", ga, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "data": hex.EncodeToString(data)})
}

func (s *Server) handleAPIGroupRead(w http.ResponseWriter, r *http.Request) {
	ga, err := telegram.ParseGroupAddr(r.PathValue("ga"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), GroupTimeout)
	defer cancel()
	if err := s.gw.GroupRead(ctx, ga); err != nil {
		s.logger.Warn("group read", "ga", ga, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	// The response telegram arrives on /ws.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func listLimit(r *http.Request) (int, error) {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", q)
	}
	return n, nil
}

// parseGroupValue accepts on/off/true/false or up to 14 hex bytes.
func parseGroupValue(v string) ([]byte, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "on", "true":
		return []byte{1}, nil
	case "off", "false":
		return []byte{0}, nil
	case "":
		return nil, fmt.Errorf("%w: empty", errBadValue)
	}
	s = strings.Join(strings.Fields(strings.TrimPrefix(s, "0x")), "")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadValue, err)
	}
	if len(data) == 0 || len(data) > 14 {
		return nil, fmt.Errorf("%w: %d bytes, want 1 to 14", errBadValue, len(data))
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
