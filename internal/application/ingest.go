package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

const DefaultDedupeWindow = 2 * time.Minute

var errReplyInterrupted = errors.New("reply interrupted, reload the chat history")

const outboundFrameSchema = `{
  "type": "object",
  "required": ["msgId", "chatId", "userId", "role", "content"],
  "properties": {
    "msgId":     {"type": "string", "minLength": 1},
    "chatId":    {"type": "string", "minLength": 1},
    "userId":    {"type": "string", "minLength": 1},
    "role":      {"type": "string", "enum": ["user"]},
    "content":   {"type": "string", "minLength": 1},
    "fileIds":   {"type": ["array", "null"], "items": {"type": "string"}},
    "memIds":    {"type": ["array", "null"], "items": {"type": "string"}},
    "timestamp": {"type": "integer", "minimum": 0}
  }
}`

// HistoryReader returns the merged stored and buffered history of a chat.
type HistoryReader interface {
	History(ctx context.Context, userID domain.UserID, chatID domain.ChatID) ([]domain.ChatMessage, error)
}

// ChatOwners tells which user a stored chat belongs to.
type ChatOwners interface {
	ChatOwner(ctx context.Context, chatID domain.ChatID) (domain.UserID, error)
}

type IngestOptions struct {
	DedupeWindow time.Duration
	// Owners rejects messages for another user's chat before they are
	// buffered. Without it every message is accepted.
	Owners  ChatOwners
	Logger  zerolog.Logger
	Metrics IngestMetrics
	Clock   ports.Clock
}

// Ingestor handles user messages arriving on a server connection: it
// buffers the message, streams a generated reply back as chunks and
// buffers the assembled reply.
type Ingestor struct {
	buffer    ports.PendingBuffer
	generator ports.Generator
	resources ports.ResourceStore
	history   HistoryReader
	owners    ChatOwners
	schema    *gojsonschema.Schema
	seen      *cache.Cache
	log       zerolog.Logger
	metrics   IngestMetrics
	clock     ports.Clock
}

func NewIngestor(buffer ports.PendingBuffer, generator ports.Generator, resources ports.ResourceStore, history HistoryReader, opts IngestOptions) (*Ingestor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(outboundFrameSchema))
	if err != nil {
		return nil, fmt.Errorf("compile outbound frame schema: %w", err)
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}

	return &Ingestor{
		buffer:    buffer,
		generator: generator,
		resources: resources,
		history:   history,
		owners:    opts.Owners,
		schema:    schema,
		seen:      cache.New(opts.DedupeWindow, 2*opts.DedupeWindow),
		log:       opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
	}, nil
}

type keyedSink interface {
	Key() domain.ChatKey
}

func (i *Ingestor) HandleFrame(ctx context.Context, sink ports.FrameSink, raw []byte) error {
	frame, err := i.decode(raw)
	if err != nil {
		i.metrics.IngestFailed()
		_ = sink.Send(domain.NewErrorFrame(domain.MsgID(gjson.GetBytes(raw, "msgId").String()), err))
		return err
	}
	if keyed, ok := sink.(keyedSink); ok {
		if key := keyed.Key(); key.UserID != frame.UserID || key.ChatID != frame.ChatID {
			err := fmt.Errorf("%w: frame addressed to %s/%s on connection %s", domain.ErrInvalidFrame, frame.UserID, frame.ChatID, key)
			i.metrics.IngestFailed()
			_ = sink.Send(domain.NewErrorFrame(frame.MsgID, err))
			return err
		}
	}

	if err := i.checkOwner(ctx, frame); err != nil {
		i.metrics.IngestFailed()
		_ = sink.Send(domain.NewErrorFrame(frame.MsgID, domain.ErrChatNotFound))
		return err
	}

	dedupeKey := string(frame.UserID) + "/" + string(frame.ChatID) + "/" + string(frame.MsgID)
	if err := i.seen.Add(dedupeKey, struct{}{}, cache.DefaultExpiration); err != nil {
		i.log.Debug().Str("msg", string(frame.MsgID)).Msg("dropping replayed message")
		return nil
	}

	logger := i.log.With().Str("chat", string(frame.ChatID)).Str("msg", string(frame.MsgID)).Logger()

	rec := frame.Record()
	rec.ReceivedAt = i.clock.Now()
	if rec.Timestamp == 0 {
		rec.Timestamp = rec.ReceivedAt.UnixMilli()
	}
	if _, err := i.buffer.Append(ctx, rec); err != nil {
		i.seen.Delete(dedupeKey)
		i.metrics.IngestFailed()
		_ = sink.Send(domain.NewErrorFrame(frame.MsgID, errors.New("message could not be saved, please retry")))
		return fmt.Errorf("buffer user message: %w", err)
	}
	i.metrics.MessageBuffered(string(domain.RoleUser))

	req := i.request(ctx, frame, logger)
	out, genErr := i.stream(ctx, sink, frame.MsgID, req)
	reply := out.reply
	if genErr != nil {
		logger.Warn().Err(genErr).Int("chars", len(reply)).Msg("generation failed")
	}

	if reply != "" {
		replyRec := domain.PendingWriteRecord{
			UserID:     frame.UserID,
			ChatID:     frame.ChatID,
			MsgID:      domain.AssistantMsgID(frame.MsgID),
			Role:       domain.RoleAssistant,
			Content:    reply,
			Timestamp:  i.clock.Now().UnixMilli(),
			ReceivedAt: i.clock.Now(),
		}
		// the connection may be gone by now; the reply is still kept
		if _, err := i.buffer.Append(context.WithoutCancel(ctx), replyRec); err != nil {
			i.metrics.IngestFailed()
			logger.Error().Err(err).Msg("could not buffer reply")
			_ = sink.Send(domain.NewErrorFrame(frame.MsgID, errors.New("reply could not be saved")))
			return fmt.Errorf("buffer reply: %w", err)
		}
		i.metrics.MessageBuffered(string(domain.RoleAssistant))
	}

	switch {
	case out.sendErr != nil:
		// no end signal: the client must not take the partial reply as complete
		i.metrics.IngestFailed()
		logger.Warn().Err(out.sendErr).Msg("reply stream interrupted")
		if err := sink.Send(domain.NewErrorFrame(frame.MsgID, errReplyInterrupted)); err != nil {
			logger.Debug().Err(err).Msg("interruption not delivered")
		}
		return nil
	case genErr != nil:
		_ = sink.Send(domain.NewErrorFrame(frame.MsgID, errors.New("reply generation failed")))
	}
	if err := sink.Send(domain.NewEndFrame(frame.MsgID)); err != nil {
		logger.Debug().Err(err).Msg("end signal not delivered")
	}
	return nil
}

// checkOwner refuses chats stored for another user. A chat the store does
// not know yet is created by the flush, and a failed lookup lets the
// message through so an unavailable store does not stop ingest.
func (i *Ingestor) checkOwner(ctx context.Context, frame domain.OutboundFrame) error {
	if i.owners == nil {
		return nil
	}
	owner, err := i.owners.ChatOwner(ctx, frame.ChatID)
	switch {
	case errors.Is(err, domain.ErrChatNotFound):
		return nil
	case err != nil:
		i.log.Debug().Err(err).Str("chat", string(frame.ChatID)).Msg("chat owner unknown, accepting message")
		return nil
	case owner != frame.UserID:
		return fmt.Errorf("chat %s for %s: %w", frame.ChatID, frame.UserID, domain.ErrChatOwnedByOther)
	}
	return nil
}

func (i *Ingestor) decode(raw []byte) (domain.OutboundFrame, error) {
	result, err := i.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return domain.OutboundFrame{}, fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return domain.OutboundFrame{}, fmt.Errorf("%w: %s", domain.ErrInvalidFrame, strings.Join(problems, "; "))
	}

	var frame domain.OutboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.OutboundFrame{}, fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}
	return frame, nil
}

// request gathers the context for generation. Lookup failures degrade to
// an answer without that context.
func (i *Ingestor) request(ctx context.Context, frame domain.OutboundFrame, logger zerolog.Logger) ports.GenerateRequest {
	req := ports.GenerateRequest{UserID: frame.UserID, ChatID: frame.ChatID, Prompt: frame.Content}

	if i.history != nil {
		history, err := i.history.History(ctx, frame.UserID, frame.ChatID)
		if err != nil {
			logger.Debug().Err(err).Msg("history unavailable for generation")
		}
		for _, msg := range history {
			if msg.MsgID != frame.MsgID {
				req.History = append(req.History, msg)
			}
		}
	}

	if i.resources != nil {
		req.Memories = i.effective(ctx, domain.ResourceMemory, frame, frame.MemIDs, logger)
		req.Files = i.effective(ctx, domain.ResourceFile, frame, frame.FileIDs, logger)
	}
	return req
}

func (i *Ingestor) effective(ctx context.Context, kind domain.ResourceKind, frame domain.OutboundFrame, selected []domain.ResourceID, logger zerolog.Logger) []domain.Resource {
	resources, err := i.resources.ListResources(ctx, kind, frame.UserID, frame.ChatID)
	if err != nil {
		logger.Debug().Err(err).Str("kind", string(kind)).Msg("resources unavailable for generation")
		return nil
	}

	usable := resources[:0]
	for _, res := range resources {
		if res.CheckUsable() == nil {
			usable = append(usable, res)
		}
	}
	return domain.Effective(usable, domain.NewSelectionSet(selected...))
}

type streamed struct {
	reply   string
	sendErr error
}

// stream sends the generated chunks and returns the whole reply. Once a
// chunk could not be sent the rest are only collected.
func (i *Ingestor) stream(ctx context.Context, sink ports.FrameSink, msgID domain.MsgID, req ports.GenerateRequest) (streamed, error) {
	var (
		reply   strings.Builder
		idx     int
		sendErr error
	)
	err := i.generator.Generate(ctx, req, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		reply.WriteString(chunk)
		if sendErr == nil {
			if sendErr = sink.Send(domain.NewChunkFrame(msgID, idx, chunk)); sendErr != nil {
				i.log.Debug().Err(sendErr).Str("msg", string(msgID)).Msg("client stopped receiving chunks")
			} else {
				i.metrics.ChunkSent()
			}
		}
		idx++
		return nil
	})
	return streamed{reply: reply.String(), sendErr: sendErr}, err
}
