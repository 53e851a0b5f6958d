package render

import (
	"context"
	"log/slog"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeEngine renders pages in a headless browser so JavaScript-driven
// content and navigation are observed the way a visitor would see them.
type ChromeEngine struct {
	cfg       *config.CrawlerConfig
	userAgent string
	log       *slog.Logger
}

func NewChromeEngine(cfg *config.CrawlerConfig, userAgent string, log *slog.Logger) *ChromeEngine {
	return &ChromeEngine{cfg: cfg, userAgent: userAgent, log: log}
}

// Run drains the frontier sequentially. A failed navigation is reported to
// onFail and the run moves on; only context cancellation stops the loop.
func (e *ChromeEngine) Run(ctx context.Context, cfg RunConfig, onPage PageFunc,
	onFail FailFunc) error {
	frontier := NewFrontier(cfg.MaxRequests)
	frontier.Enqueue(cfg.Seeds, 0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, ok := frontier.Next()
		if !ok {
			return nil
		}
		result, err := e.renderPage(ctx, req, cfg.TakeScreenshots)
		if err != nil {
			e.log.Warn("page render failed.", slog.String("url", req.URL),
				slog.String("err", err.Error()))
			if onFail != nil {
				onFail(req.URL, err)
			}
			continue
		}
		onPage(result, frontier)
	}
}

func (e *ChromeEngine) renderPage(parent context.Context, req Request,
	takeScreenshot bool) (*PageResult, error) {
	startTime := time.Now()
	result := &PageResult{
		RequestedURL: req.URL,
		FinalURL:     req.URL,
		Depth:        req.Depth,
	}

	tCtx, cancelTCtx := context.WithTimeout(parent, e.cfg.NavigationTimeout)
	defer cancelTCtx()
	ctx, cancel := chromedp.NewContext(tCtx)
	defer cancel()

	chromedp.ListenTarget(ctx, func(event interface{}) {
		switch ev := event.(type) {
		case *network.EventResponseReceived:
			response := ev.Response
			if response.URL == result.FinalURL {
				result.StatusCode = int(response.Status)
				for key, value := range response.Headers {
					switch key {
					case "Content-Type", "content-type":
						if s, ok := value.(string); ok {
							result.ContentType = s
						}
					case "X-Robots-Tag", "x-robots-tag":
						if s, ok := value.(string); ok {
							result.XRobotsTag = s
						}
					}
				}
			}
		case *network.EventRequestWillBeSent:
			if ev.RedirectResponse != nil {
				result.FinalURL = ev.Request.URL
				e.log.Debug("redirected.", slog.String("from", ev.RedirectResponse.URL),
					slog.String("to", ev.Request.URL))
			}
		}
	})

	tasks := chromedp.Tasks{
		network.Enable(),
		network.SetExtraHTTPHeaders(map[string]interface{}{
			"User-Agent": e.userAgent,
		}),
		enableLifeCycleEvents(),
		navigateAndWaitFor(req.URL, "networkIdle"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			rootNode, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			result.HTML, err = dom.GetOuterHTML().WithNodeID(rootNode.NodeID).Do(ctx)
			return err
		}),
	}
	if takeScreenshot {
		tasks = append(tasks, chromedp.CaptureScreenshot(&result.Screenshot))
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, err
	}
	result.RenderTimeMs = time.Since(startTime).Milliseconds()

	return result, nil
}

func enableLifeCycleEvents() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		err := page.Enable().Do(ctx)
		if err != nil {
			return err
		}
		err = page.SetLifecycleEventsEnabled(true).Do(ctx)
		if err != nil {
			return err
		}
		return nil
	}
}

func navigateAndWaitFor(url string, eventName string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		return waitFor(ctx, eventName)
	}
}

func waitFor(ctx context.Context, eventName string) error {
	ch := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	chromedp.ListenTarget(cctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == eventName {
				cancel()
				close(ch)
			}
		}
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
