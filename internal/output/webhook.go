package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
)

// webhookConfig is the webhook sink configuration.
type webhookConfig struct {
	URL       string        `envconfig:"STAMPEDE_WEBHOOK_URL"`
	BatchSize int           `envconfig:"STAMPEDE_WEBHOOK_BATCH_SIZE"`
	MaxRPS    float64       `envconfig:"STAMPEDE_WEBHOOK_MAX_RPS"`
	Timeout   time.Duration `envconfig:"STAMPEDE_WEBHOOK_TIMEOUT"`
}

// WebhookSink POSTs result batches as JSON to an HTTP endpoint. Posts are
// rate limited so a chatty test cannot hammer the receiver.
type WebhookSink struct {
	cfg     webhookConfig
	headers map[string]string
	log     logrus.FieldLogger

	httpClient *http.Client
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	buffer  []*lib.Result
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ lib.Sink = (*WebhookSink)(nil)

func newWebhookSink(o *plan.OutputConfig, logger logrus.FieldLogger) (*WebhookSink, error) {
	cfg := webhookConfig{
		URL:       o.Setting("url", ""),
		BatchSize: settingInt(o, "batch_size", 100),
		MaxRPS:    settingFloat(o, "max_rps", 5),
		Timeout:   settingDuration(o, "timeout", 10*time.Second),
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("webhook output: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook output: url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookSink{
		cfg:        cfg,
		headers:    settingStrings(o, "headers"),
		log:        logger.WithField("sink", "webhook"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Name implements lib.Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Initialize implements lib.Sink.
func (s *WebhookSink) Initialize() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.loop()
	return nil
}

// WriteResult implements lib.Sink.
func (s *WebhookSink) WriteResult(r *lib.Result) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, r)
	s.mu.Unlock()
	return nil
}

// WriteSummary implements lib.Sink.
func (s *WebhookSink) WriteSummary(sum *lib.Summary) error {
	return s.post(map[string]interface{}{"summary": sum})
}

// Finalize implements lib.Sink.
func (s *WebhookSink) Finalize() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}

	err := s.drain()
	s.cancel()
	return err
}

func (s *WebhookSink) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.drain(); err != nil {
				s.log.WithError(err).Error("post failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// drain posts the buffered results in batches of at most BatchSize.
func (s *WebhookSink) drain() error {
	for {
		s.mu.Lock()
		n := len(s.buffer)
		if n == 0 {
			s.mu.Unlock()
			return nil
		}
		if n > s.cfg.BatchSize {
			n = s.cfg.BatchSize
		}
		batch := s.buffer[:n]
		s.buffer = s.buffer[n:]
		s.mu.Unlock()

		if err := s.post(map[string]interface{}{"results": batch}); err != nil {
			return err
		}
	}
}

func (s *WebhookSink) post(payload interface{}) error {
	if err := s.limiter.Wait(s.ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
