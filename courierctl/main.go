package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/gorilla/websocket"
)

type PublishCmd struct {
	URL    string `arg:"--url,required,env:COURIER_URL" help:"Courier base URL"`
	APIKey string `arg:"--api-key,required,env:COURIER_API_KEY" help:"Courier API key"`
	Type   string `arg:"--type" default:"new-message" help:"Event type"`
	Data   string `arg:"--data" default:"{}" help:"Event payload as JSON"`
	Rate   int    `arg:"--rate" default:"10" help:"Events per second"`
	Count  int    `arg:"--count" default:"1" help:"Total events to send"`
}

type ActionCmd struct {
	URL       string `arg:"--url,required,env:COURIER_URL" help:"Courier base URL"`
	APIKey    string `arg:"--api-key,required,env:COURIER_API_KEY" help:"Courier API key"`
	Target    string `arg:"--target,required" help:"Target key, usually a chat guid"`
	Operation string `arg:"--operation" default:"send-message" help:"Operation name"`
	Args      string `arg:"--args" default:"{}" help:"Operation arguments as JSON"`
	Wait      bool   `arg:"--wait" help:"Poll until the action reaches a terminal state"`
}

type ListenCmd struct {
	Listen    string `arg:"--listen" default:":9090" help:"Local listen address"`
	FailEvery int    `arg:"--fail-every" default:"0" help:"Answer every Nth request with a 500"`
	URL       string `arg:"--url,env:COURIER_URL" help:"Courier base URL; with --endpoint-url registers a webhook"`
	APIKey    string `arg:"--api-key,env:COURIER_API_KEY" help:"Courier API key"`
	Endpoint  string `arg:"--endpoint-url" help:"Publicly reachable URL for this listener"`
	Events    string `arg:"--events" default:"*" help:"Comma separated event types to subscribe to"`
	Secret    string `arg:"--secret,env:COURIER_WEBHOOK_SECRET" help:"Secret to register and require in x-courier-secret"`
}

type WatchCmd struct {
	URL          string `arg:"--url,required,env:COURIER_URL" help:"Courier base URL"`
	APIKey       string `arg:"--api-key,required,env:COURIER_API_KEY" help:"Courier API key"`
	ClientID     string `arg:"--client-id" help:"Stable client id"`
	Capabilities string `arg:"--capabilities" default:"" help:"Comma separated client capabilities"`
	Ack          bool   `arg:"--ack" help:"Acknowledge every received event"`
}

type args struct {
	Publish *PublishCmd `arg:"subcommand:publish" help:"Publish events to Courier"`
	Action  *ActionCmd  `arg:"subcommand:action" help:"Submit an action to Courier"`
	Listen  *ListenCmd  `arg:"subcommand:listen" help:"Run a webhook receiver and print deliveries"`
	Watch   *WatchCmd   `arg:"subcommand:watch" help:"Attach as a realtime client and print frames"`
}

func (args) Description() string {
	return "courierctl - command line companion for the Courier event server"
}

func main() {
	var a args
	p := arg.MustParse(&a)

	var err error
	switch {
	case a.Publish != nil:
		err = runPublish(a.Publish)
	case a.Action != nil:
		err = runAction(a.Action)
	case a.Listen != nil:
		err = runListen(a.Listen)
	case a.Watch != nil:
		err = runWatch(a.Watch)
	default:
		p.WriteUsage(os.Stdout)
		fmt.Println()
		p.WriteHelp(os.Stdout)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var client = &http.Client{Timeout: 10 * time.Second}

func doJSON(method, url, apiKey string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func runPublish(cmd *PublishCmd) error {
	if !json.Valid([]byte(cmd.Data)) {
		return fmt.Errorf("--data is not valid JSON")
	}
	if cmd.Rate <= 0 {
		cmd.Rate = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(cmd.Rate))
	defer ticker.Stop()

	var sent, errors int
	start := time.Now()
	for i := 0; i < cmd.Count; i++ {
		<-ticker.C
		var evt struct {
			ID string `json:"id"`
		}
		status, err := doJSON(http.MethodPost, cmd.URL+"/api/events", cmd.APIKey, map[string]any{
			"type": cmd.Type,
			"data": json.RawMessage(cmd.Data),
		}, &evt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nerror sending event: %v\n", err)
			errors++
			continue
		}
		if status != http.StatusAccepted {
			fmt.Fprintf(os.Stderr, "\nunexpected status %d for event %d\n", status, i+1)
			errors++
			continue
		}
		sent++
		if cmd.Count == 1 {
			fmt.Println(evt.ID)
		} else {
			fmt.Fprintf(os.Stderr, "\rSent: %d/%d  Errors: %d", sent, cmd.Count, errors)
		}
	}

	if cmd.Count > 1 {
		elapsed := time.Since(start)
		fmt.Fprintf(os.Stderr, "\r%s\r", strings.Repeat(" ", 50))
		fmt.Fprintf(os.Stderr, "Publish complete: %d/%d sent, %d errors, %.1fs elapsed, %.1f events/sec\n",
			sent, cmd.Count, errors, elapsed.Seconds(), float64(sent)/elapsed.Seconds())
	}
	if errors > 0 {
		return fmt.Errorf("%d events failed", errors)
	}
	return nil
}

type actionView struct {
	ID        uint64          `json:"id"`
	State     string          `json:"state"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result"`
	LastError string          `json:"lastError"`
}

func runAction(cmd *ActionCmd) error {
	if !json.Valid([]byte(cmd.Args)) {
		return fmt.Errorf("--args is not valid JSON")
	}
	var action actionView
	status, err := doJSON(http.MethodPost, cmd.URL+"/api/actions", cmd.APIKey, map[string]any{
		"targetKey": cmd.Target,
		"operation": cmd.Operation,
		"arguments": json.RawMessage(cmd.Args),
	}, &action)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("action rejected with status %d", status)
	}
	fmt.Fprintf(os.Stderr, "Action %d accepted\n", action.ID)
	if !cmd.Wait {
		return nil
	}

	for {
		switch action.State {
		case "succeeded", "abandoned":
			out, _ := json.MarshalIndent(action, "", "  ")
			fmt.Println(string(out))
			if action.State == "abandoned" {
				return fmt.Errorf("action abandoned after %d attempts: %s", action.Attempts, action.LastError)
			}
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		status, err := doJSON(http.MethodGet, fmt.Sprintf("%s/api/actions/%d", cmd.URL, action.ID), cmd.APIKey, nil, &action)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("action lookup returned status %d", status)
		}
	}
}

func runListen(cmd *ListenCmd) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var received atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		if cmd.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("x-courier-secret")), []byte(cmd.Secret)) != 1 {
			http.Error(w, "bad secret", http.StatusUnauthorized)
			return
		}
		n := received.Add(1)
		body, _ := io.ReadAll(r.Body)
		fmt.Printf("#%d %s company=%q key=%q\n%s\n", n, r.URL.Path,
			r.Header.Get("x-company-id"), r.Header.Get("x-api-key"), body)
		if cmd.FailEvery > 0 && n%int64(cmd.FailEvery) == 0 {
			http.Error(w, "induced failure", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cmd.Listen, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "webhook server error: %v\n", err)
			stop()
		}
	}()
	fmt.Fprintf(os.Stderr, "Listening on %s\n", cmd.Listen)

	var webhookID string
	if cmd.URL != "" && cmd.Endpoint != "" {
		var hook struct {
			ID string `json:"id"`
		}
		status, err := doJSON(http.MethodPost, cmd.URL+"/api/webhooks", cmd.APIKey, map[string]any{
			"url":    cmd.Endpoint,
			"events": strings.Split(cmd.Events, ","),
			"secret": cmd.Secret,
		}, &hook)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("webhook registration failed with status %d", status)
		}
		webhookID = hook.ID
		fmt.Fprintf(os.Stderr, "Registered webhook %s\n", webhookID)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if webhookID != "" {
		status, err := doJSON(http.MethodDelete, cmd.URL+"/api/webhooks/"+webhookID, cmd.APIKey, nil, nil)
		if err != nil || status != http.StatusNoContent {
			fmt.Fprintf(os.Stderr, "warning: failed to deregister webhook (status %d): %v\n", status, err)
		} else {
			fmt.Fprintf(os.Stderr, "Deregistered webhook %s\n", webhookID)
		}
	}
	fmt.Fprintf(os.Stderr, "Listen complete: %d deliveries received\n", received.Load())
	return nil
}

func runWatch(cmd *WatchCmd) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u, err := url.Parse(cmd.URL)
	if err != nil {
		return fmt.Errorf("parsing --url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("guid", cmd.APIKey)
	if cmd.ClientID != "" {
		q.Set("clientId", cmd.ClientID)
	}
	if cmd.Capabilities != "" {
		q.Set("capabilities", cmd.Capabilities)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		fmt.Println(string(data))

		if !cmd.Ack {
			continue
		}
		var evt struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &evt) == nil && evt.ID != "" {
			ack, _ := json.Marshal(map[string]string{"type": "ack", "eventId": evt.ID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return fmt.Errorf("acknowledging: %w", err)
			}
		}
	}
}
