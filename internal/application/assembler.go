package application

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bnema/chatsync/internal/domain"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ResourceSink receives file status frames for a chat.
type ResourceSink interface {
	ApplyStatus(chatID domain.ChatID, id domain.ResourceID, status domain.ResourceStatus, reason string) bool
	ApplyDeleted(chatID domain.ChatID, id domain.ResourceID) bool
}

// Assembler turns inbound frames into history and resource updates. Each
// chat is fed by a single reader, but chats are fed concurrently.
type Assembler struct {
	histories *HistoryCache
	resources ResourceSink
	notifier  *Notifier
	clock     ports.Clock
	log       zerolog.Logger

	mu      sync.Mutex
	streams map[domain.ChatID]*streamState
}

type streamState struct {
	active domain.MsgID
	next   map[domain.MsgID]int
}

func NewAssembler(histories *HistoryCache, resources ResourceSink, notifier *Notifier, clock ports.Clock, log zerolog.Logger) *Assembler {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if notifier == nil {
		notifier = NewNotifier(0)
	}
	return &Assembler{
		histories: histories,
		resources: resources,
		notifier:  notifier,
		clock:     clock,
		log:       log,
		streams:   map[domain.ChatID]*streamState{},
	}
}

// Apply has the FrameHandler signature so it can be handed to the pool.
func (a *Assembler) Apply(userID domain.UserID, chatID domain.ChatID, raw []byte) error {
	kind := gjson.GetBytes(raw, "type")
	if !kind.Exists() {
		return fmt.Errorf("%w: missing type", domain.ErrInvalidFrame)
	}

	switch domain.FrameType(kind.String()) {
	case domain.FrameChunk:
		var frame domain.ChunkFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
		}
		return a.applyChunk(userID, chatID, frame)
	case domain.FrameControl:
		var frame domain.ControlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
		}
		return a.applyControl(chatID, frame)
	case domain.FrameVectorizationStatus:
		var frame domain.StatusFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
		}
		return a.applyVectorization(chatID, frame)
	case domain.FrameDeletionStatus:
		var frame domain.StatusFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
		}
		return a.applyDeletion(chatID, frame)
	case domain.FrameError:
		var frame domain.ErrorFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
		}
		a.log.Warn().Str("chat", string(chatID)).Str("msg", string(frame.MsgID)).Str("error", frame.Error).Msg("server reported an error")
		a.abortReply(chatID, frame.MsgID)
		a.notifier.Publish(Event{Kind: EventServerError, ChatID: chatID, MsgID: frame.MsgID, Text: frame.Error})
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownFrame, kind.String())
	}
}

func (a *Assembler) applyChunk(userID domain.UserID, chatID domain.ChatID, frame domain.ChunkFrame) error {
	if frame.MsgID == "" || frame.ChunkIdx < 0 {
		return fmt.Errorf("%w: chunk needs a msgId and a non-negative chunkIdx", domain.ErrInvalidFrame)
	}

	history := a.histories.Ensure(userID, chatID)
	replyID := domain.AssistantMsgID(frame.MsgID)

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.stream(chatID)
	expected, seen := state.next[replyID]
	logger := a.log.With().Str("chat", string(chatID)).Str("msg", string(replyID)).Int("chunk", frame.ChunkIdx).Logger()

	switch {
	case !seen:
		gap := frame.ChunkIdx > 0
		err := history.Append(domain.ChatMessage{
			MsgID:      replyID,
			Role:       domain.RoleAssistant,
			Content:    frame.Content,
			Timestamp:  a.clock.Now().UnixMilli(),
			Streaming:  true,
			Incomplete: gap,
		})
		if err != nil {
			// a finished reply replayed by the server
			logger.Debug().Err(err).Msg("dropping chunk for known message")
			return nil
		}
		if gap {
			logger.Warn().Msg("reply started mid-stream, earlier chunks are missing")
		}
		state.next[replyID] = frame.ChunkIdx + 1
		state.active = replyID
		a.notifier.Publish(Event{Kind: EventMessageAppended, ChatID: chatID, MsgID: replyID})
	case frame.ChunkIdx < expected:
		logger.Debug().Int("expected", expected).Msg("dropping duplicate chunk")
	default:
		gap := frame.ChunkIdx > expected
		err := history.Update(replyID, func(msg *domain.ChatMessage) {
			msg.Content += frame.Content
			msg.Incomplete = msg.Incomplete || gap
		})
		if err != nil {
			return err
		}
		if gap {
			logger.Warn().Int("expected", expected).Msg("chunk gap, reply marked incomplete")
		}
		state.next[replyID] = frame.ChunkIdx + 1
		state.active = replyID
		a.notifier.Publish(Event{Kind: EventMessageUpdated, ChatID: chatID, MsgID: replyID})
	}
	return nil
}

func (a *Assembler) applyControl(chatID domain.ChatID, frame domain.ControlFrame) error {
	if frame.Signal != domain.SignalEnd {
		a.log.Debug().Str("chat", string(chatID)).Str("signal", frame.Signal).Msg("ignoring control signal")
		return nil
	}

	a.mu.Lock()
	state := a.stream(chatID)
	target := state.active
	if frame.MsgID != "" {
		target = domain.AssistantMsgID(frame.MsgID)
	}
	delete(state.next, target)
	if state.active == target {
		state.active = ""
	}
	a.mu.Unlock()

	if target == "" {
		a.log.Debug().Str("chat", string(chatID)).Msg("end signal without an active reply")
		return nil
	}

	history, ok := a.histories.Get(chatID)
	if !ok {
		return nil
	}
	if err := history.Update(target, func(msg *domain.ChatMessage) { msg.Streaming = false }); err != nil {
		a.log.Debug().Err(err).Str("chat", string(chatID)).Msg("end signal for unknown reply")
		return nil
	}
	a.notifier.Publish(Event{Kind: EventMessageCompleted, ChatID: chatID, MsgID: target})
	return nil
}

func (a *Assembler) applyVectorization(chatID domain.ChatID, frame domain.StatusFrame) error {
	status, err := domain.ParseResourceStatus(frame.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}

	if a.resources != nil && !a.resources.ApplyStatus(chatID, frame.FileID, status, frame.Error) {
		a.log.Debug().Str("chat", string(chatID)).Str("file", string(frame.FileID)).Msg("status for unknown file")
	}
	a.notifier.Publish(Event{
		Kind:       EventResourceStatus,
		ChatID:     chatID,
		ResourceID: frame.FileID,
		Status:     string(status),
		Text:       frame.FileName,
		Err:        errorText(frame.Error),
	})
	return nil
}

func (a *Assembler) applyDeletion(chatID domain.ChatID, frame domain.StatusFrame) error {
	switch frame.Status {
	case domain.DeletionDeleted:
		if a.resources != nil {
			a.resources.ApplyDeleted(chatID, frame.FileID)
		}
	case domain.DeletionError:
	default:
		return fmt.Errorf("%w: unsupported deletion status %q", domain.ErrInvalidFrame, frame.Status)
	}

	a.notifier.Publish(Event{
		Kind:       EventResourceDeleted,
		ChatID:     chatID,
		ResourceID: frame.FileID,
		Status:     frame.Status,
		Text:       frame.FileName,
		Err:        errorText(frame.Error),
	})
	return nil
}

// abortReply closes the reply to msgID as incomplete. No end signal follows
// an error, so a reply still streaming would otherwise stay open.
func (a *Assembler) abortReply(chatID domain.ChatID, msgID domain.MsgID) {
	if msgID == "" {
		return
	}
	replyID := domain.AssistantMsgID(msgID)

	a.mu.Lock()
	state := a.stream(chatID)
	_, streaming := state.next[replyID]
	delete(state.next, replyID)
	if state.active == replyID {
		state.active = ""
	}
	a.mu.Unlock()

	if !streaming {
		return
	}
	history, ok := a.histories.Get(chatID)
	if !ok {
		return
	}
	err := history.Update(replyID, func(msg *domain.ChatMessage) {
		msg.Streaming = false
		msg.Incomplete = true
	})
	if err == nil {
		a.notifier.Publish(Event{Kind: EventMessageUpdated, ChatID: chatID, MsgID: replyID})
	}
}

// Reset forgets stream progress of chatID, for example after a reconnect
// followed by a full history reload.
func (a *Assembler) Reset(chatID domain.ChatID) {
	a.mu.Lock()
	delete(a.streams, chatID)
	a.mu.Unlock()
}

func (a *Assembler) stream(chatID domain.ChatID) *streamState {
	state, ok := a.streams[chatID]
	if !ok {
		state = &streamState{next: map[domain.MsgID]int{}}
		a.streams[chatID] = state
	}
	return state
}

type serverError string

func (e serverError) Error() string { return string(e) }

func errorText(text string) error {
	if text == "" {
		return nil
	}
	return serverError(text)
}
