package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"datapack-rpc/client"
	"datapack-rpc/codec"
	"datapack-rpc/message"
	"datapack-rpc/middleware"
	"datapack-rpc/protocol"
)

// DefaultBroadcastTarget is the selector chat transcripts are sent to.
const DefaultBroadcastTarget = "@a"

var (
	ErrUnknownMethod  = errors.New("unknown method")
	ErrChatDisabled   = errors.New("chat backend not configured")
	ErrParamsMismatch = errors.New("params do not match method")
)

// Sink receives line commands for the child process. transport.Outbound implements it.
type Sink interface {
	Write(command string) error
}

// ChatCompleter produces a reply for a chat prompt. client.Client implements it.
type ChatCompleter interface {
	Chat(ctx context.Context, prompt string) (client.Reply, error)
}

type DispatcherOptions struct {
	Timeout         time.Duration // per-dispatch bound; 0 disables
	RateLimit       float64       // dispatches per second; 0 disables
	RateBurst       int
	Retries         int // retries for middleware.ErrUnavailable
	RetryDelay      time.Duration
	BroadcastTarget string
}

// Dispatcher routes validated envelopes to their handler. The handler chain is built once:
//
//	Logging → RateLimit → Retry → Timeout → Recover → route
//
// Recover sits innermost so it runs on the goroutine Timeout spawns.
type Dispatcher struct {
	out     Sink
	chat    ChatCompleter
	codec   codec.Codec
	target  string
	handler middleware.HandlerFunc
	logger  *zap.Logger
}

// NewDispatcher builds a dispatcher writing to out. chat may be nil, in which case chat
// envelopes fail with ErrChatDisabled.
func NewDispatcher(out Sink, chat ChatCompleter, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		out:    out,
		chat:   chat,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		target: opts.BroadcastTarget,
		logger: logger,
	}
	if d.target == "" {
		d.target = DefaultBroadcastTarget
	}

	chain := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		chain = append(chain, middleware.RateLimitMiddleware(opts.RateLimit, burst))
	}
	if opts.Retries > 0 {
		chain = append(chain, middleware.RetryMiddleware(opts.Retries, opts.RetryDelay, logger))
	}
	if opts.Timeout > 0 {
		chain = append(chain, middleware.TimeOutMiddleware(opts.Timeout))
	}
	chain = append(chain, middleware.RecoverMiddleware())

	d.handler = middleware.Chain(chain...)(d.route)
	return d
}

// Dispatch runs the handler for env. Handler failures, panics included, come back as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, env *message.Envelope) error {
	return d.handler(ctx, env)
}

// route is the exhaustive match over the params variants. Adding a method means adding a
// Params type in package message and a case here.
func (d *Dispatcher) route(ctx context.Context, env *message.Envelope) error {
	if got := message.MethodOf(env.Params); got != env.Method {
		return fmt.Errorf("%w: method %q, params for %q", ErrParamsMismatch, env.Method, got)
	}

	switch p := env.Params.(type) {
	case message.PingParams:
		return d.ping(ctx)
	case message.ChatParams:
		return d.chatReply(ctx, p)
	case message.SumParams:
		return d.sum(ctx, p, env.Callback)
	default:
		return fmt.Errorf("%w %q", ErrUnknownMethod, env.Method)
	}
}

func (d *Dispatcher) ping(ctx context.Context) error {
	return d.emit(ctx, protocol.Say("pong"))
}

func (d *Dispatcher) chatReply(ctx context.Context, p message.ChatParams) error {
	if d.chat == nil {
		return ErrChatDisabled
	}

	reply, err := d.chat.Chat(ctx, p.Message)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	text, ok := reply.Text()
	if !ok {
		d.logger.Debug("chat reply is not plain text, nothing to emit", zap.Int("tool_calls", reply.ToolCalls))
		return nil
	}

	lines := []string{"", "[Client]", p.Message, "", "[Server]"}
	lines = append(lines, strings.Split(text, "\n")...)
	return d.emit(ctx, protocol.Tellraw(d.target, lines))
}

func (d *Dispatcher) sum(ctx context.Context, p message.SumParams, callback string) error {
	payload, err := d.codec.Encode(message.NewSumResult(p.A + p.B))
	if err != nil {
		return fmt.Errorf("sum: encode result: %w", err)
	}
	return d.emit(ctx, protocol.Function(callback, payload))
}

// emit writes command unless ctx is already done, so a handler that outlived its timeout
// does not write a late result.
func (d *Dispatcher) emit(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.out.Write(command)
}
