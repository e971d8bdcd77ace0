package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vaultroom/vaultroom/config"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/room"
	"github.com/vaultroom/vaultroom/session"
	"github.com/vaultroom/vaultroom/ws"
)

const sessionCookieName = "vaultroom_session"

type gateway struct {
	cfg  *config.Config
	hub  *ws.Hub
	svc  *room.Service
	auth *session.Service
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type createRoomResponse struct {
	ConnectPassword string `json:"connectPassword"`
	DeletePassword  string `json:"deletePassword"`
}

type connectRoomRequest struct {
	RoomPassword string `json:"roomPassword"`
	UserName     string `json:"userName"`
}

type connectRoomResponse struct {
	Token string `json:"token"`
}

type deleteRoomRequest struct {
	DeletePassword string `json:"deletePassword"`
}

func (g *gateway) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	req := createRoomRequest{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is a nameless room
	}
	connectPassword, deletePassword, err := g.svc.Create(r.Context(), req.Name)
	if err != nil {
		globals.AppLogger.Error("could not create room", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, createRoomResponse{
		ConnectPassword: connectPassword,
		DeletePassword:  deletePassword,
	})
}

func (g *gateway) connectRoomHandler(w http.ResponseWriter, r *http.Request) {
	req := connectRoomRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomPassword == "" || req.UserName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	exists, err := g.svc.Exists(r.Context(), req.RoomPassword)
	if err != nil {
		globals.AppLogger.Error("could not check room", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	token, err := g.auth.Issue("", req.UserName, req.RoomPassword)
	if err != nil {
		globals.AppLogger.Error("could not issue credential", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Now().Add(session.DefaultTTL),
	})
	writeJSON(w, http.StatusOK, connectRoomResponse{Token: token})
}

func (g *gateway) deleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	req := deleteRoomRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeletePassword == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := g.svc.DeleteWithDeletePassword(r.Context(), req.DeletePassword); err != nil {
		globals.AppLogger.Error("could not delete room", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *gateway) leaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// websocketHandler authenticates the session credential and hands the
// connection to the hub. Auth failure is a hard rejection, the connection is
// never downgraded to anonymous.
func (g *gateway) websocketHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	// the signing key is derived from the password inside the payload:
	// decode to find the key, then verify with that same key
	decoded, err := g.auth.Decode(token)
	if err != nil || decoded.ConnectPassword == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, err := g.auth.Verify(token, decoded.ConnectPassword)
	if err != nil {
		globals.AppLogger.Info("rejected connection with invalid credential", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close() //nolint

	doneChan := make(chan struct{})
	c := ws.NewClient(g.hub, conn, claims, token, doneChan)

	// wait until the hub actually registered the client, so broadcasts
	// started after this point reach it
	c.Add(1)
	g.hub.Register <- c
	c.Wait()
	defer func() {
		g.hub.Unregister <- c
	}()

	c.Add(2)
	go c.ReadLoop()
	go c.WriteLoop()
	<-doneChan
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not encode response", "error", err)
	}
}
