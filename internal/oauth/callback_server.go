package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// CallbackResult carries the query parameters the authorization server
// sent back on the redirect.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackServer receives the authorization redirect on a loopback
// listener. It binds 127.0.0.1 only and keeps the first result; later
// hits still get a page but their values are dropped.
type CallbackServer struct {
	ln      net.Listener
	srv     *http.Server
	results chan CallbackResult

	mu      sync.Mutex
	serving bool
}

// NewCallbackServer binds the listener immediately so the port is known
// before the flow registers its redirect URI. A nil or zero port asks
// the OS for a free one.
func NewCallbackServer(port *int) (*CallbackServer, error) {
	addr := "127.0.0.1:0"
	if port != nil && *port != 0 {
		addr = fmt.Sprintf("127.0.0.1:%d", *port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &CallbackServer{
		ln:      ln,
		results: make(chan CallbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleRedirect)
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Port reports the bound port.
func (s *CallbackServer) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// RedirectURI is the redirect_uri value to register and to send on the
// authorization request. Loopback IP literals keep the two consistent
// without DNS.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.Port())
}

// Start begins serving in the background.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return fmt.Errorf("callback server already started")
	}
	s.serving = true
	go func() { _ = s.srv.Serve(s.ln) }()
	return nil
}

// Wait blocks until a redirect arrives or ctx ends.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case res := <-s.results:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts the server down and releases the listener.
func (s *CallbackServer) Stop() error {
	err := s.srv.Shutdown(context.Background())
	_ = s.ln.Close()
	return err
}

func (s *CallbackServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := CallbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	select {
	case s.results <- res:
	default:
	}

	switch {
	case res.Error != "":
		writePage(w, http.StatusBadRequest, "Authorization failed", res.Error+": "+res.ErrorDescription)
	case res.Code == "":
		writePage(w, http.StatusBadRequest, "Authorization failed", "The redirect carried no authorization code.")
	default:
		writePage(w, http.StatusOK, "Authorization complete", "You can close this window and return to the terminal.")
	}
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>mcpgate</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`

func writePage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPage, title, detail)
}
