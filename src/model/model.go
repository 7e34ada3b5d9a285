// Package model defines the data shapes exchanged between the pipeline,
// the store adapters and the write coordinator.
package model

import (
	"encoding/json"
	"time"
)

// PipelineResult is the output of one preprocessing run, handed to the
// coordinator exactly once per save call.
type PipelineResult struct {
	VideoID             string          `json:"video_id"`
	VideoPath           string          `json:"video_path,omitempty"`
	PipelineID          string          `json:"pipeline_id,omitempty"`
	Status              string          `json:"status"`
	OverallQualityScore float64         `json:"overall_quality_score"`
	VideoProcessing     json.RawMessage `json:"video_processing_result,omitempty"`
	FeatureExtraction   json.RawMessage `json:"feature_extraction_result,omitempty"`
	KnowledgeGraph      json.RawMessage `json:"knowledge_graph_result,omitempty"`
	Indexing            json.RawMessage `json:"indexing_result,omitempty"`
	Segments            []SegmentVector `json:"segments,omitempty"`
	CompletedAt         time.Time       `json:"completed_at,omitempty"`
}

// SegmentVector carries one embedded video segment destined for the vector store.
type SegmentVector struct {
	SegmentID string    `json:"segment_id"`
	StartSec  float64   `json:"start_sec"`
	EndSec    float64   `json:"end_sec"`
	Embedding []float32 `json:"embedding"`
}

// VideoRecord mirrors a row of the video_metadata table.
type VideoRecord struct {
	ID                  string
	VideoID             string
	VideoPath           string
	Filename            string
	ProcessingStatus    string
	OverallQualityScore float64
	PipelineID          string
	VideoProcessing     json.RawMessage
	FeatureExtraction   json.RawMessage
	KnowledgeGraph      json.RawMessage
	Indexing            json.RawMessage
	FeaturesExtracted   bool
	Indexed             bool
	UploadedAt          time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ResultSummary is the derived, expiring cache entry for one video.
type ResultSummary struct {
	VideoID      string  `json:"video_id"`
	Status       string  `json:"status"`
	Indexed      bool    `json:"indexed"`
	QualityScore float64 `json:"quality_score"`
}

// EncodeSummary renders the summary as the JSON payload stored in the cache.
func EncodeSummary(s ResultSummary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSummary parses a cached summary payload.
func DecodeSummary(payload string) (ResultSummary, error) {
	var s ResultSummary
	err := json.Unmarshal([]byte(payload), &s)
	return s, err
}

// SessionContext is the conversational state loaded for one user session.
type SessionContext struct {
	SessionID       string             `json:"session_id"`
	UserID          string             `json:"user_id"`
	StartTime       time.Time          `json:"start_time"`
	LastActivity    time.Time          `json:"last_activity"`
	CurrentTopic    string             `json:"current_topic,omitempty"`
	CurrentVideo    string             `json:"current_video,omitempty"`
	Turns           []ConversationTurn `json:"turns,omitempty"`
	MentionedVideos []string           `json:"mentioned_videos,omitempty"`
}

// ConversationTurn is one user/assistant exchange persisted to the history table.
type ConversationTurn struct {
	TurnID            string    `json:"turn_id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	Intent            string    `json:"intent,omitempty"`
	VideoReferences   []string  `json:"video_references,omitempty"`
	ProcessingTime    float64   `json:"processing_time,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// EncodeSession renders the session context as the JSON payload cached
// alongside video summaries.
func EncodeSession(s *SessionContext) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSession parses a cached session payload.
func DecodeSession(payload string) (*SessionContext, error) {
	var s SessionContext
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
