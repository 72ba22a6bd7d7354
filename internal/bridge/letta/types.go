package letta

// Wire types for the subset of the Letta API the bridge exercises.

// Agent is a Letta agent as returned by the agents endpoints.
type Agent struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	EmbeddingConfig *EmbeddingConfig `json:"embedding_config,omitempty"`
}

// EmbeddingConfig describes the embedding model attached to an agent or used
// when creating a folder.
type EmbeddingConfig struct {
	Model        string `json:"embedding_model"`
	EndpointType string `json:"embedding_endpoint_type"`
	Endpoint     string `json:"embedding_endpoint,omitempty"`
	Dim          int    `json:"embedding_dim"`
	ChunkSize    int    `json:"embedding_chunk_size"`
}

// MessageCreate is one inbound message in a send/stream request.  Content is
// either a plain string or a slice of multimodal content parts.
type MessageCreate struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// TextPart and ImagePart are the multimodal content parts used for image
// uploads.
type TextPart struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

type ImagePart struct {
	Type   string      `json:"type"` // always "image"
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ResponseMessage is one step message in a blocking send response.
type ResponseMessage struct {
	MessageType string    `json:"message_type"`
	Content     string    `json:"content,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	ToolCall    *ToolCall `json:"tool_call,omitempty"`
	ToolReturn  string    `json:"tool_return,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// ToolCall identifies one tool invocation inside a step.
type ToolCall struct {
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Response is the blocking send-message response.
type Response struct {
	Messages []ResponseMessage `json:"messages"`
}

// Block is a Letta memory block.
type Block struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// Folder is a Letta file container (embedded corpus).
type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// FolderFile is one file in a folder, with its indexing status.
type FolderFile struct {
	ID               string `json:"id"`
	FileName         string `json:"file_name"`
	ProcessingStatus string `json:"processing_status"`
}

// HistoryMessage is one entry of an agent's recent conversation, used for
// room history seeding.
type HistoryMessage struct {
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}
