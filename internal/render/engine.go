package render

import "context"

// PageResult is what the engine captured for one rendered page.
type PageResult struct {
	RequestedURL string
	FinalURL     string
	HTML         string
	StatusCode   int
	ContentType  string
	XRobotsTag   string
	RenderTimeMs int64
	Screenshot   []byte
	Depth        int
}

// PageFunc is invoked per rendered page. The frontier handle lets the
// callback extend the run with newly discovered urls, subject to the same
// request cap.
type PageFunc func(result *PageResult, frontier *Frontier)

// FailFunc is invoked when a single url fails to render. The run continues.
type FailFunc func(url string, err error)

type RunConfig struct {
	Seeds           []string
	MaxRequests     int
	TakeScreenshots bool
}

// Engine renders pages and drives the per-page callback. Implementations own
// all fetch concurrency; the callback executes synchronously relative to the
// engine's scheduling.
type Engine interface {
	Run(ctx context.Context, cfg RunConfig, onPage PageFunc, onFail FailFunc) error
}

// Request is one queued navigation.
type Request struct {
	URL   string
	Depth int
}

// Frontier is the url queue of a single run. It is drained by the engine and
// extended by the page callback; urls enqueued after the request cap is
// spent are never fetched.
type Frontier struct {
	queue   []Request
	fetched int
	max     int
}

func NewFrontier(max int) *Frontier {
	return &Frontier{max: max}
}

func (f *Frontier) Enqueue(urls []string, depth int) {
	for _, u := range urls {
		f.queue = append(f.queue, Request{URL: u, Depth: depth})
	}
}

// Stop discards the queued requests so Next reports exhaustion and the run
// ends without fetching anything further.
func (f *Frontier) Stop() {
	f.queue = nil
}

// Next pops the next request while the request budget lasts.
func (f *Frontier) Next() (Request, bool) {
	if len(f.queue) == 0 || f.fetched >= f.max {
		return Request{}, false
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	f.fetched++
	return req, true
}

// Fetched reports how many requests the run has spent.
func (f *Frontier) Fetched() int {
	return f.fetched
}
