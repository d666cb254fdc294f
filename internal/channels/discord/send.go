package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/chorus/internal/channels"
)

// messageLimit is Discord's maximum message length.
const messageLimit = 2000

// sender paces outbound text. Discord throttles per channel, so each
// channel gets its own sliding window: at most limit sends per window,
// later sends wait for the oldest timestamp to age out.
type sender struct {
	session func() discordSession
	chunker *channels.Chunker
	limit   int
	window  time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]*channelQueue

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSender(session func() discordSession, limit int, window time.Duration, logger *slog.Logger) *sender {
	return &sender{
		session: session,
		chunker: channels.NewChunker(messageLimit),
		limit:   limit,
		window:  window,
		logger:  logger,
		queues:  make(map[string]*channelQueue),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// channelQueue holds send timestamps still inside the window.
type channelQueue struct {
	mu   sync.Mutex
	sent []time.Time
}

// wait blocks until the channel has window budget, then records the send.
func (q *channelQueue) wait(ctx context.Context, limit int, window time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.prune(now(), window)
	if len(q.sent) >= limit {
		wait := window - now().Sub(q.sent[0])
		if wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
		q.prune(now(), window)
	}
	q.sent = append(q.sent, now())
	return nil
}

// prune drops timestamps that have aged out. Caller holds mu.
func (q *channelQueue) prune(now time.Time, window time.Duration) {
	keep := q.sent[:0]
	for _, ts := range q.sent {
		if now.Sub(ts) < window {
			keep = append(keep, ts)
		}
	}
	q.sent = keep
}

func (s *sender) queue(channelID string) *channelQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[channelID]
	if !ok {
		q = &channelQueue{}
		s.queues[channelID] = q
	}
	return q
}

// Send splits content at the message limit and delivers the chunks in
// order. When ref is set the first chunk is sent as a reply. Returns the
// ids of the sent messages.
func (s *sender) Send(ctx context.Context, channelID, content string, ref *discordgo.MessageReference) ([]string, error) {
	chunks := s.chunker.Split(content)
	if len(chunks) == 0 {
		return nil, nil
	}
	session := s.session()
	if session == nil {
		return nil, errors.New("adapter not started")
	}

	q := s.queue(channelID)
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := q.wait(ctx, s.limit, s.window, s.now, s.sleep); err != nil {
			return ids, err
		}
		var (
			msg *discordgo.Message
			err error
		)
		if i == 0 && ref != nil {
			msg, err = session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
				Content:   chunk,
				Reference: ref,
			})
		} else {
			msg, err = session.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			return ids, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if msg != nil {
			ids = append(ids, msg.ID)
		}
	}
	return ids, nil
}
