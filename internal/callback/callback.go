// Package callback implements the executor's event dispatcher: a FIFO queue
// of status/generated-file events drained by a single worker that POSTs them
// to an operator-supplied webhook URL with bounded retries and backoff,
// dropping an event only after it has exhausted its retry budget.
package callback

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// GeneratedFile names one of the fixed set of work-dir files the watcher
// polls for.
type GeneratedFile string

const (
	FileResult    GeneratedFile = "result"
	FileConfig    GeneratedFile = "config"
	FileDefConfig GeneratedFile = "defConfig"
	FileWebUI     GeneratedFile = "webUI"
)

// GeneratedFileRegistry maps each GeneratedFile name to the filename it is
// read from inside workDir. All registry entries are parsed as JSON objects.
var GeneratedFileRegistry = map[GeneratedFile]string{
	FileResult:    "result.json",
	FileConfig:    "config.json",
	FileDefConfig: "config.defaults.json",
	FileWebUI:     "webui.json",
}

// Event is one queued callback payload.
type Event struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`

	attempts int
}

// StatusUpdatedEvent builds a statusUpdated event from an already-marshaled
// status snapshot.
func StatusUpdatedEvent(statusJSON json.RawMessage) Event {
	return Event{EventType: "statusUpdated", Data: statusJSON}
}

// FileGeneratedEvent builds a fileGenerated:<name> event from the parsed
// JSON contents of a watched file.
func FileGeneratedEvent(name GeneratedFile, contents json.RawMessage) Event {
	return Event{EventType: fmt.Sprintf("fileGenerated:%s", name), Data: contents}
}

// Dispatcher owns an unbounded FIFO queue and a single worker goroutine that
// drains it strictly in enqueue order.
type Dispatcher struct {
	url      string
	token    string
	maxRetry int
	client   *retryablehttp.Client

	logger *zap.SugaredLogger

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopC    chan struct{}
}

// Config configures a Dispatcher. URL may be empty, in which case events are
// accepted and silently discarded (no callback configured).
type Config struct {
	URL            string
	Token          string
	MaxRetry       int
	RequestTimeout time.Duration
}

// New constructs and starts a Dispatcher's drain worker.
func New(cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0 // Dispatcher drives its own retry loop so attempts are observable/countable.
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.RequestTimeout

	d := &Dispatcher{
		url:      cfg.URL,
		token:    cfg.Token,
		maxRetry: cfg.MaxRetry,
		client:   client,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		stopC:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue adds an event to the back of the queue. It never blocks.
func (d *Dispatcher) Enqueue(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Event{}, false
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, true
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		ev, ok := d.pop()
		if ok {
			d.deliver(ev)
			continue
		}

		select {
		case <-d.notify:
			continue
		case <-d.stopC:
			// Drain whatever is left before exiting.
			for {
				ev, ok := d.pop()
				if !ok {
					return
				}
				d.deliver(ev)
			}
		}
	}
}

// deliver POSTs ev, retrying on transport error or non-2xx up to maxRetry
// additional attempts (maxRetry+1 total) with exponential backoff starting
// at 200ms, then logs and drops it.
func (d *Dispatcher) deliver(ev Event) {
	if d.url == "" {
		return
	}

	body, err := json.Marshal(struct {
		EventType string          `json:"eventType"`
		Data      json.RawMessage `json:"data"`
	}{ev.EventType, ev.Data})
	if err != nil {
		if d.logger != nil {
			d.logger.Errorw("failed to marshal callback event", "eventType", ev.EventType, "error", err)
		}
		return
	}

	for {
		err := d.post(body)
		if err == nil {
			return
		}

		ev.attempts++
		if ev.attempts > d.maxRetry {
			if d.logger != nil {
				d.logger.Warnw("dropping callback event after exhausting retries",
					"eventType", ev.EventType, "attempts", ev.attempts, "error", err)
			}
			return
		}

		backoff := (200 * time.Millisecond) << (ev.attempts - 1)
		select {
		case <-time.After(backoff):
		case <-d.stopC:
			return
		}
	}
}

func (d *Dispatcher) post(body []byte) error {
	req, err := retryablehttp.NewRequest(http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(d.token))
		req.Header.Set("Authentication", "TOKEN "+encoded)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Flush blocks until the queue drains or ctx is done, whichever comes first.
// Used by the bootstrap's bounded shutdown flush.
func (d *Dispatcher) Flush(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		empty := len(d.queue) == 0
		d.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the worker to drain remaining events and exit, then waits for
// it to finish or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stopC) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
