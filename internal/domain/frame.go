package domain

type FrameType string

const (
	FrameChunk               FrameType = "chunk"
	FrameControl             FrameType = "control"
	FrameVectorizationStatus FrameType = "vectorization_status"
	FrameDeletionStatus      FrameType = "deletion_status"
	FrameError               FrameType = "error"

	SignalEnd = "end"

	DeletionDeleted = "deleted"
	DeletionError   = "error"
)

// OutboundFrame is a user message sent from a client to the server.
type OutboundFrame struct {
	MsgID     MsgID        `json:"msgId"`
	ChatID    ChatID       `json:"chatId"`
	UserID    UserID       `json:"userId"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	FileIDs   []ResourceID `json:"fileIds"`
	MemIDs    []ResourceID `json:"memIds"`
	Timestamp int64        `json:"timestamp"`
}

func (f OutboundFrame) Record() PendingWriteRecord {
	return PendingWriteRecord{
		UserID:    f.UserID,
		ChatID:    f.ChatID,
		MsgID:     f.MsgID,
		Role:      f.Role,
		Content:   f.Content,
		Timestamp: f.Timestamp,
	}
}

type ChunkFrame struct {
	Type     FrameType `json:"type"`
	MsgID    MsgID     `json:"msgId"`
	ChunkIdx int       `json:"chunkIdx"`
	Content  string    `json:"content"`
}

type ControlFrame struct {
	Type   FrameType `json:"type"`
	Signal string    `json:"signal"`
	MsgID  MsgID     `json:"msgId,omitempty"`
}

// StatusFrame reports vectorization or deletion progress of a file.
type StatusFrame struct {
	Type     FrameType  `json:"type"`
	FileID   ResourceID `json:"fileId"`
	FileName string     `json:"fileName"`
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
}

type ErrorFrame struct {
	Type  FrameType `json:"type"`
	MsgID MsgID     `json:"msgId,omitempty"`
	Error string    `json:"error"`
}

func NewChunkFrame(msgID MsgID, idx int, content string) ChunkFrame {
	return ChunkFrame{Type: FrameChunk, MsgID: msgID, ChunkIdx: idx, Content: content}
}

func NewEndFrame(msgID MsgID) ControlFrame {
	return ControlFrame{Type: FrameControl, Signal: SignalEnd, MsgID: msgID}
}

func NewVectorizationFrame(res Resource) StatusFrame {
	return StatusFrame{
		Type:     FrameVectorizationStatus,
		FileID:   res.ID,
		FileName: res.Label(),
		Status:   string(res.Status),
		Error:    res.Error,
	}
}

func NewDeletionFrame(id ResourceID, name string, err error) StatusFrame {
	frame := StatusFrame{Type: FrameDeletionStatus, FileID: id, FileName: name, Status: DeletionDeleted}
	if err != nil {
		frame.Status = DeletionError
		frame.Error = err.Error()
	}
	return frame
}

func NewErrorFrame(msgID MsgID, err error) ErrorFrame {
	return ErrorFrame{Type: FrameError, MsgID: msgID, Error: err.Error()}
}
