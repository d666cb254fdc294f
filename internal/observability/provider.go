package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/chorus/internal/llm"
	"github.com/haasonsaas/chorus/pkg/models"
)

// InstrumentProvider wraps an LLM provider so every Chat call records
// latency, outcome, and token usage. A nil metrics returns p unwrapped.
func InstrumentProvider(p llm.Provider, metrics *Metrics) llm.Provider {
	if metrics == nil || p == nil {
		return p
	}
	return &instrumentedProvider{Provider: p, metrics: metrics}
}

type instrumentedProvider struct {
	llm.Provider
	metrics *Metrics
}

func (p *instrumentedProvider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := p.Provider.Chat(ctx, req)
	elapsed := time.Since(start).Seconds()

	model := req.Model
	status := "success"
	usage := models.Usage{}
	if err != nil {
		status = "error"
	} else {
		usage = resp.Usage
		if resp.Model != "" {
			model = resp.Model
		}
	}
	p.metrics.RecordLLMRequest(p.Provider.Name(), model, status, elapsed, usage)
	return resp, err
}
