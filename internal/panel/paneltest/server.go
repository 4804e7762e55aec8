// Package paneltest provides an in-process fake x-ui panel for tests.
package paneltest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"alamor/internal/panel"
)

// Operation names used by Hits.
const (
	OpLogin                  = "login"
	OpList                   = "list"
	OpGet                    = "get"
	OpAddClient              = "addClient"
	OpUpdateClient           = "updateClient"
	OpDelClient              = "delClient"
	OpResetClientTraffic     = "resetClientTraffic"
	OpResetAllClientTraffics = "resetAllClientTraffics"
	OpResetAllTraffics       = "resetAllTraffics"
	OpDelDepletedClients     = "delDepletedClients"
	OpClientIPs              = "clientIps"
	OpClearClientIPs         = "clearClientIps"
	OpOnlines                = "onlines"
	OpClientTraffics         = "getClientTraffics"
)

const cookieName = "3x-ui"

// Unauthenticated selects how the fake answers a request without a valid
// session. Panel forks differ here.
type Unauthenticated int

const (
	// Unauthorized answers 401 with an empty body.
	Unauthorized Unauthenticated = iota
	// StealthNotFound hides the API behind a JSON 404 envelope.
	StealthNotFound
	// RedirectUnlessAjax redirects to the login page unless the request
	// carries X-Requested-With: XMLHttpRequest, which gets a JSON 401.
	RedirectUnlessAjax
	// RedirectAlways redirects to the login page whatever the headers.
	RedirectAlways
)

type inbound struct {
	meta    panel.Inbound
	clients []panel.ClientSettings
}

// Server is a fake panel speaking the 3x-ui inbound API.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu       sync.Mutex
	inbounds map[int]*inbound
	sessions map[string]bool
	traffic  map[string]*panel.ClientTraffic
	ips      map[string]string
	onlines  []string
	hits     map[string]int
	attempts int

	failLogin       bool
	noCookie        bool
	noSingleFetch   bool
	dropConnections int
	rejectSessions  int
	rejectByMessage bool
	applyThenReject int
	applyThenDrop   int
	unauthed        Unauthenticated
	ajaxSeen        int
	rejectOps       map[string]string
	malformedOps    map[string]bool
}

// New starts a fake panel accepting admin/admin.
func New() *Server {
	s := &Server{
		Username:     "admin",
		Password:     "admin",
		inbounds:     map[int]*inbound{},
		sessions:     map[string]bool{},
		traffic:      map[string]*panel.ClientTraffic{},
		ips:          map[string]string{},
		hits:         map[string]int{},
		rejectOps:    map[string]string{},
		malformedOps: map[string]bool{},
	}

	mux := http.NewServeMux()
	base := "/panel/api/inbounds"
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET "+base+"/list", s.authed(OpList, s.handleList))
	mux.HandleFunc("GET "+base+"/get/{id}", s.authed(OpGet, s.handleGet))
	mux.HandleFunc("POST "+base+"/addClient", s.authed(OpAddClient, s.handleAddClient))
	mux.HandleFunc("POST "+base+"/updateClient/{clientId}", s.authed(OpUpdateClient, s.handleUpdateClient))
	mux.HandleFunc("POST "+base+"/{id}/delClient/{clientId}", s.authed(OpDelClient, s.handleDelClient))
	mux.HandleFunc("POST "+base+"/{id}/resetClientTraffic/{email}", s.authed(OpResetClientTraffic, s.handleResetClientTraffic))
	mux.HandleFunc("POST "+base+"/resetAllClientTraffics/{id}", s.authed(OpResetAllClientTraffics, s.handleResetAllClientTraffics))
	mux.HandleFunc("POST "+base+"/resetAllTraffics", s.authed(OpResetAllTraffics, s.handleResetAllTraffics))
	mux.HandleFunc("POST "+base+"/delDepletedClients/{id}", s.authed(OpDelDepletedClients, s.handleDelDepleted))
	mux.HandleFunc("POST "+base+"/clientIps/{email}", s.authed(OpClientIPs, s.handleClientIPs))
	mux.HandleFunc("POST "+base+"/clearClientIps/{email}", s.authed(OpClearClientIPs, s.handleClearClientIPs))
	mux.HandleFunc("POST "+base+"/onlines", s.authed(OpOnlines, s.handleOnlines))
	mux.HandleFunc("GET "+base+"/getClientTraffics/{email}", s.authed(OpClientTraffics, s.handleClientTraffics))

	s.Server = httptest.NewUnstartedServer(s.dropping(mux))
	// Without keep-alives net/http never silently replays a request on a
	// reused connection, so attempt counts stay exact.
	s.Server.Config.SetKeepAlivesEnabled(false)
	s.Server.Start()
	return s
}

// AddInbound registers an inbound. Settings and ClientStats are managed by
// the fake.
func (s *Server) AddInbound(in panel.Inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.Settings = ""
	in.ClientStats = nil
	s.inbounds[in.ID] = &inbound{meta: in}
}

// FailLogin makes every login report bad credentials.
func (s *Server) FailLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogin = true
}

// OmitCookie makes logins succeed without setting a session cookie.
func (s *Server) OmitCookie() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noCookie = true
}

// DisableSingleFetch answers the get/{id} endpoint with 404, like old panels.
func (s *Server) DisableSingleFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSingleFetch = true
}

// DropConnections closes the next n connections without answering.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConnections = n
}

// RejectSessions answers the next n authenticated requests with 401.
func (s *Server) RejectSessions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSessions = n
	s.rejectByMessage = false
}

// RejectSessionsByMessage answers the next n authenticated requests with a
// 200 envelope asking for login.
func (s *Server) RejectSessionsByMessage(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSessions = n
	s.rejectByMessage = true
}

// ApplyAddThenReject makes the next n addClient calls take effect and then
// answer 401, as if the response had been lost to an expired session.
func (s *Server) ApplyAddThenReject(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyThenReject = n
}

// ApplyAddThenDrop makes the next n addClient calls take effect and then
// close the connection without answering.
func (s *Server) ApplyAddThenDrop(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyThenDrop = n
}

// AnswerUnauthenticated sets how requests without a valid session are answered.
func (s *Server) AnswerUnauthenticated(mode Unauthenticated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthed = mode
}

// ExpireSessions forgets every session handed out so far.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]bool{}
}

// AjaxRequests returns how many API requests carried X-Requested-With.
func (s *Server) AjaxRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ajaxSeen
}

// RejectOp makes every call of op answer success=false with msg.
func (s *Server) RejectOp(op, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectOps[op] = msg
}

// MalformOp makes every call of op answer a non-JSON body.
func (s *Server) MalformOp(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedOps[op] = true
}

// SetOnline sets the emails reported by onlines.
func (s *Server) SetOnline(emails ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlines = emails
}

// SetIPs sets the raw obj string returned by clientIps for email.
func (s *Server) SetIPs(email, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ips[email] = raw
}

// SetUsage records traffic for a client.
func (s *Server) SetUsage(email string, up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.traffic[email]; ok {
		t.Up, t.Down = up, down
	}
}

// Hits returns how many requests for op reached the handler.
func (s *Server) Hits(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[op]
}

// Attempts returns the number of connections seen, dropped ones included.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Clients returns the clients registered on an inbound.
func (s *Server) Clients(inboundID int) []panel.ClientSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inbounds[inboundID]
	if !ok {
		return nil
	}
	return append([]panel.ClientSettings(nil), in.clients...)
}

// Traffic returns the usage record of email.
func (s *Server) Traffic(email string) (panel.ClientTraffic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traffic[email]
	if !ok {
		return panel.ClientTraffic{}, false
	}
	return *t, true
}

func (s *Server) dropping(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.attempts++
		drop := s.dropConnections > 0
		if drop {
			s.dropConnections--
		}
		s.mu.Unlock()

		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(op string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		cookie, err := r.Cookie(cookieName)
		valid := err == nil && s.sessions[cookie.Value]
		reject := s.rejectSessions > 0
		if reject {
			s.rejectSessions--
		}
		byMessage := s.rejectByMessage
		rejectMsg, rejected := s.rejectOps[op]
		malformed := s.malformedOps[op]
		mode := s.unauthed
		if isAjax(r) {
			s.ajaxSeen++
		}
		s.mu.Unlock()

		if !valid {
			unauthenticated(w, r, mode)
			return
		}
		if reject && !byMessage {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if reject {
			writeJSON(w, false, "Please login first", nil)
			return
		}

		s.mu.Lock()
		s.hits[op]++
		s.mu.Unlock()

		if malformed {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>panel</body></html>"))
			return
		}
		if rejected {
			writeJSON(w, false, rejectMsg, nil)
			return
		}
		h(w, r)
	}
}

func isAjax(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

func unauthenticated(w http.ResponseWriter, r *http.Request, mode Unauthenticated) {
	switch mode {
	case StealthNotFound:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "msg": "404 page not found"})
	case RedirectUnlessAjax:
		if isAjax(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "msg": "Your session has expired, please log in again"})
			return
		}
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
	case RedirectAlways:
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
	default:
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func writeJSON(w http.ResponseWriter, success bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"msg":     msg,
		"obj":     obj,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[OpLogin]++
	fail := s.failLogin
	noCookie := s.noCookie
	s.mu.Unlock()

	if fail || r.FormValue("username") != s.Username || r.FormValue("password") != s.Password {
		writeJSON(w, false, "Invalid username or password", nil)
		return
	}
	if !noCookie {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		token := hex.EncodeToString(b)
		s.mu.Lock()
		s.sessions[token] = true
		s.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: token, Path: "/", HttpOnly: true})
	}
	writeJSON(w, true, "Login Successfully", nil)
}

// snapshot renders an inbound the way the panel lists it. Callers hold mu.
func (s *Server) snapshot(in *inbound) panel.Inbound {
	out := in.meta
	settings, _ := json.Marshal(map[string]interface{}{
		"clients":    in.clients,
		"decryption": "none",
		"fallbacks":  []interface{}{},
	})
	out.Settings = string(settings)
	out.ClientStats = []panel.ClientTraffic{}
	for _, c := range in.clients {
		if t, ok := s.traffic[c.Email]; ok {
			out.ClientStats = append(out.ClientStats, *t)
		}
	}
	return out
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.inbounds))
	for id := range s.inbounds {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]panel.Inbound, 0, len(ids))
	for _, id := range ids {
		list = append(list, s.snapshot(s.inbounds[id]))
	}
	s.mu.Unlock()
	writeJSON(w, true, "", list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	noSingle := s.noSingleFetch
	s.mu.Unlock()
	if noSingle {
		http.NotFound(w, r)
		return
	}
	id, _ := strconv.Atoi(r.PathValue("id"))
	s.mu.Lock()
	in, ok := s.inbounds[id]
	var snap panel.Inbound
	if ok {
		snap = s.snapshot(in)
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, false, "record not found", nil)
		return
	}
	writeJSON(w, true, "", snap)
}

type settingsRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func decodeSettings(r *http.Request) (int, []panel.ClientSettings, bool) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, nil, false
	}
	var settings struct {
		Clients []panel.ClientSettings `json:"clients"`
	}
	if err := json.Unmarshal([]byte(req.Settings), &settings); err != nil {
		return 0, nil, false
	}
	return req.ID, settings.Clients, true
}

// emailTaken reports whether email is used anywhere on the panel. Callers hold mu.
func (s *Server) emailTaken(email string) bool {
	for _, in := range s.inbounds {
		for _, c := range in.clients {
			if strings.EqualFold(c.Email, email) {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	id, clients, ok := decodeSettings(r)
	if !ok {
		writeJSON(w, false, "invalid settings", nil)
		return
	}
	s.mu.Lock()
	in, exists := s.inbounds[id]
	if !exists {
		s.mu.Unlock()
		writeJSON(w, false, "inbound not found", nil)
		return
	}
	for _, c := range clients {
		if s.emailTaken(c.Email) {
			s.mu.Unlock()
			writeJSON(w, false, "Duplicate email: "+c.Email, nil)
			return
		}
	}
	for _, c := range clients {
		in.clients = append(in.clients, c)
		s.traffic[c.Email] = &panel.ClientTraffic{
			ID:         len(s.traffic) + 1,
			InboundID:  id,
			Enable:     c.Enable,
			Email:      c.Email,
			ExpiryTime: c.ExpiryTime,
			Total:      c.TotalGB,
		}
	}
	rejectAfter := s.applyThenReject > 0
	if rejectAfter {
		s.applyThenReject--
	}
	dropAfter := !rejectAfter && s.applyThenDrop > 0
	if dropAfter {
		s.applyThenDrop--
	}
	s.mu.Unlock()

	if rejectAfter {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if dropAfter {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
	}
	writeJSON(w, true, "Inbound client(s) have been added.", nil)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	id, clients, ok := decodeSettings(r)
	if !ok || len(clients) == 0 {
		writeJSON(w, false, "invalid settings", nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in, exists := s.inbounds[id]
	if !exists {
		writeJSON(w, false, "inbound not found", nil)
		return
	}
	for i, c := range in.clients {
		if c.ID == clientID {
			in.clients[i] = clients[0]
			if t, ok := s.traffic[c.Email]; ok {
				t.Total = clients[0].TotalGB
				t.ExpiryTime = clients[0].ExpiryTime
				t.Enable = clients[0].Enable
			}
			writeJSON(w, true, "Inbound client has been updated.", nil)
			return
		}
	}
	writeJSON(w, false, "client not found", nil)
}

func (s *Server) handleDelClient(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	clientID := r.PathValue("clientId")
	s.mu.Lock()
	defer s.mu.Unlock()
	in, exists := s.inbounds[id]
	if !exists {
		writeJSON(w, false, "inbound not found", nil)
		return
	}
	for i, c := range in.clients {
		if c.ID == clientID {
			in.clients = append(in.clients[:i], in.clients[i+1:]...)
			delete(s.traffic, c.Email)
			writeJSON(w, true, "Inbound client has been deleted.", nil)
			return
		}
	}
	writeJSON(w, false, "client not found", nil)
}

func (s *Server) handleResetClientTraffic(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	s.mu.Lock()
	t, ok := s.traffic[email]
	if ok {
		t.Up, t.Down = 0, 0
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, false, "client not found", nil)
		return
	}
	writeJSON(w, true, "Traffic has been reset.", nil)
}

func (s *Server) handleResetAllClientTraffics(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	s.mu.Lock()
	for _, t := range s.traffic {
		if t.InboundID == id {
			t.Up, t.Down = 0, 0
		}
	}
	s.mu.Unlock()
	writeJSON(w, true, "All traffic has been reset.", nil)
}

func (s *Server) handleResetAllTraffics(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	for _, t := range s.traffic {
		t.Up, t.Down = 0, 0
	}
	s.mu.Unlock()
	writeJSON(w, true, "All traffic has been reset.", nil)
}

func (s *Server) handleDelDepleted(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	now := time.Now().UnixMilli()
	s.mu.Lock()
	for inID, in := range s.inbounds {
		if id >= 0 && inID != id {
			continue
		}
		kept := in.clients[:0]
		for _, c := range in.clients {
			t := s.traffic[c.Email]
			depleted := t != nil && ((t.Total > 0 && t.Used() >= t.Total) || (t.ExpiryTime > 0 && t.ExpiryTime <= now))
			if depleted {
				delete(s.traffic, c.Email)
				continue
			}
			kept = append(kept, c)
		}
		in.clients = kept
	}
	s.mu.Unlock()
	writeJSON(w, true, "Depleted clients have been deleted.", nil)
}

func (s *Server) handleClientIPs(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	s.mu.Lock()
	raw, ok := s.ips[email]
	s.mu.Unlock()
	if !ok {
		raw = "No IP Record"
	}
	writeJSON(w, true, "", raw)
}

func (s *Server) handleClearClientIPs(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	s.mu.Lock()
	delete(s.ips, email)
	s.mu.Unlock()
	writeJSON(w, true, "Log has been cleared.", nil)
}

func (s *Server) handleOnlines(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	onlines := append([]string{}, s.onlines...)
	s.mu.Unlock()
	writeJSON(w, true, "", onlines)
}

func (s *Server) handleClientTraffics(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	s.mu.Lock()
	t, ok := s.traffic[email]
	var out panel.ClientTraffic
	if ok {
		out = *t
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, true, "", nil)
		return
	}
	writeJSON(w, true, "", out)
}
