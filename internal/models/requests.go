package models

import "time"

// CreateErrandRequest is the body for posting a new errand
type CreateErrandRequest struct {
	Title       string     `json:"title" binding:"required,max=120"`
	Description string     `json:"description" binding:"max=4000"`
	Lat         *float64   `json:"lat" binding:"required"`
	Lng         *float64   `json:"lng" binding:"required"`
	Address     string     `json:"address" binding:"required"`
	Reward      int64      `json:"reward" binding:"required"`
	Currency    string     `json:"currency"`
	Category    Category   `json:"category" binding:"required"`
	Deadline    *time.Time `json:"deadline"`
	Images      []string   `json:"images"`
}

// CompleteRequest carries the performer's proof of completion
type CompleteRequest struct {
	ProofImage string `json:"proof_image" binding:"required"`
	Message    string `json:"message" binding:"required"`
}

// DisputeRequest explains why a requester rejects the completion
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

// CancelRequest optionally explains a cancellation
type CancelRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

// ResolveRequest is an admin decision on a disputed errand
type ResolveRequest struct {
	Outcome Status `json:"outcome" binding:"required,oneof=paid cancelled"`
	Note    string `json:"note" binding:"max=2000"`
}

// NearbyRequest is the query string of the discovery endpoint
type NearbyRequest struct {
	Lat      *float64 `form:"lat" binding:"required"`
	Lng      *float64 `form:"lng" binding:"required"`
	Radius   float64  `form:"radius"`
	Category Category `form:"category"`
	Status   Status   `form:"status"`
	Limit    int      `form:"limit"`
}

// PostMessageRequest is the body for sending a chat message
type PostMessageRequest struct {
	Content string      `json:"content" binding:"required,min=1,max=4000"`
	Type    MessageType `json:"message_type"`
}

// MarkReadRequest advances the caller's read watermark
type MarkReadRequest struct {
	Upto *time.Time `json:"upto"`
}

// UploadRequest asks for a presigned image upload URL
type UploadRequest struct {
	Purpose     string `json:"purpose" binding:"required,oneof=errand proof chat"`
	ContentType string `json:"content_type" binding:"required"`
}
