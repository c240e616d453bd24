// Package dispatcher routes every inbound request: crawlers hitting an
// article get a synthesized preview document, everything else is forwarded
// untouched. Any failure on the synthesis path degrades to pass-through.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/classifier"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/forward"
	"github.com/JakeFAU/stateofplay-edge/internal/metrics"
	"github.com/JakeFAU/stateofplay-edge/internal/ogmeta"
)

// OutcomeKind enumerates the three dispatch decisions.
type OutcomeKind int

// OutcomeKind values.
const (
	PassThrough OutcomeKind = iota
	ServeSynthesizedMeta
	ServeApp
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case ServeSynthesizedMeta:
		return "serve_meta"
	case ServeApp:
		return "serve_app"
	default:
		return "pass_through"
	}
}

// Outcome is a dispatch decision. Slug is set only for ServeSynthesizedMeta.
type Outcome struct {
	Kind OutcomeKind
	Slug string
}

// Decide maps a classification onto an Outcome. It is total and pure.
func Decide(res classifier.Result) Outcome {
	switch res.RouteClass {
	case classifier.RouteBypass, classifier.RouteNonArticle:
		return Outcome{Kind: PassThrough}
	}
	if res.Slug == "" {
		return Outcome{Kind: PassThrough}
	}
	if res.IsCrawler {
		return Outcome{Kind: ServeSynthesizedMeta, Slug: res.Slug}
	}
	return Outcome{Kind: ServeApp}
}

// Fallback reasons recorded when a crawler request is passed through.
const (
	ReasonNone        = ""
	ReasonRateLimited = "rate_limited"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonNotFound    = "not_found"
	ReasonError       = "error"
	ReasonMalformed   = "malformed"
	ReasonPanic       = "panic"
)

// Classifier is the subset of classifier.Classifier used here.
type Classifier interface {
	Classify(userAgent, path string) classifier.Result
}

// Synthesizer renders a preview document for a slug.
type Synthesizer interface {
	Synthesize(ctx context.Context, slug string) (ogmeta.Document, error)
}

// Limiter grants or refuses synthesis capacity per crawler without blocking.
type Limiter interface {
	Allow(key string) bool
}

// Options carries the optional collaborators and tuning of a Dispatcher.
type Options struct {
	SynthTimeout time.Duration
	Limiter      Limiter
	Recorder     edge.PreviewRecorder
	IDs          edge.IDGenerator
	Clock        edge.Clock
}

// DefaultSynthTimeout bounds the synthesis path when Options leaves it unset.
const DefaultSynthTimeout = 4 * time.Second

// Dispatcher is the single entry point wrapping the whole HTTP surface.
type Dispatcher struct {
	classifier  Classifier
	synth       Synthesizer
	passThrough forward.Forwarder
	app         forward.Forwarder
	opts        Options
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// New constructs a Dispatcher.
func New(
	cls Classifier,
	synth Synthesizer,
	passThrough forward.Forwarder,
	app forward.Forwarder,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SynthTimeout <= 0 {
		opts.SynthTimeout = DefaultSynthTimeout
	}
	if app == nil {
		app = passThrough
	}
	return &Dispatcher{
		classifier:  cls,
		synth:       synth,
		passThrough: passThrough,
		app:         app,
		opts:        opts,
		logger:      logger.Named("dispatcher"),
	}
}

// ServeHTTP classifies the request and acts on the decision.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := d.classifier.Classify(r.UserAgent(), r.URL.Path)
	out := Decide(res)
	metrics.ObserveDispatch(out.Kind.String(), res.Crawler)

	switch out.Kind {
	case ServeApp:
		d.app.Forward(w, r)
	case ServeSynthesizedMeta:
		d.serveMeta(w, r, res.Crawler, out.Slug)
	default:
		d.passThrough.Forward(w, r)
	}
}

func (d *Dispatcher) serveMeta(w http.ResponseWriter, r *http.Request, crawler, slug string) {
	doc, reason := d.Synthesize(r.Context(), crawler, slug)
	if reason != ReasonNone {
		d.passThrough.Forward(w, r)
		return
	}
	doc.ServeHTTP(w, r)
}

// Synthesize runs the guarded synthesis call and books its outcome in the
// metrics and the preview log. A non-empty reason means the document must not
// be served; the dispatcher then passes the request through.
func (d *Dispatcher) Synthesize(ctx context.Context, crawler, slug string) (ogmeta.Document, string) {
	start := time.Now()
	doc, reason := d.guarded(ctx, crawler, slug)
	elapsed := time.Since(start)
	metrics.ObserveSynthDuration(elapsed)
	d.record(crawler, slug, reason, elapsed)

	if reason != ReasonNone {
		metrics.ObserveSynthFallback(reason)
		d.logger.Debug("synthesis fell back",
			zap.String("slug", slug),
			zap.String("crawler", crawler),
			zap.String("reason", reason),
		)
	}
	return doc, reason
}

func (d *Dispatcher) guarded(ctx context.Context, crawler, slug string) (ogmeta.Document, string) {
	if d.synth == nil {
		return ogmeta.Document{}, ReasonError
	}
	if d.opts.Limiter != nil && !d.opts.Limiter.Allow(crawler) {
		return ogmeta.Document{}, ReasonRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.SynthTimeout)
	defer cancel()

	type result struct {
		doc ogmeta.Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("synthesizer panicked", zap.String("slug", slug), zap.Any("panic", p))
				done <- result{err: errPanic}
			}
		}()
		doc, err := d.synth.Synthesize(ctx, slug)
		done <- result{doc: doc, err: err}
	}()

	select {
	case <-ctx.Done():
		return ogmeta.Document{}, contextReason(ctx.Err())
	case res := <-done:
		switch {
		case res.err == nil && len(res.doc.Body) == 0:
			return ogmeta.Document{}, ReasonMalformed
		case res.err == nil:
			return res.doc, ReasonNone
		case errors.Is(res.err, errPanic):
			return ogmeta.Document{}, ReasonPanic
		case errors.Is(res.err, edge.ErrNotFound):
			return ogmeta.Document{}, ReasonNotFound
		case errors.Is(res.err, context.DeadlineExceeded), errors.Is(res.err, context.Canceled):
			return ogmeta.Document{}, contextReason(res.err)
		default:
			d.logger.Warn("synthesis failed", zap.String("slug", slug), zap.Error(res.err))
			return ogmeta.Document{}, ReasonError
		}
	}
}

// Wait blocks until pending preview records have been written.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

var errPanic = errors.New("synthesizer panic")

func contextReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return ReasonTimeout
}

func (d *Dispatcher) record(crawler, slug, reason string, elapsed time.Duration) {
	if d.opts.Recorder == nil {
		return
	}
	rec := edge.PreviewRecord{
		Slug:     slug,
		Crawler:  crawler,
		Outcome:  ServeSynthesizedMeta.String(),
		Reason:   reason,
		Duration: elapsed,
		ServedAt: time.Now().UTC(),
	}
	if reason != ReasonNone {
		rec.Outcome = PassThrough.String()
	}
	if d.opts.Clock != nil {
		rec.ServedAt = d.opts.Clock.Now()
	}
	if d.opts.IDs != nil {
		id, err := d.opts.IDs.NewID()
		if err != nil {
			d.logger.Warn("preview id generation failed", zap.Error(err))
		}
		rec.ID = id
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.opts.Recorder.RecordPreview(ctx, rec); err != nil {
			d.logger.Warn("record preview failed", zap.String("slug", rec.Slug), zap.Error(fmt.Errorf("recorder: %w", err)))
		}
	}()
}
