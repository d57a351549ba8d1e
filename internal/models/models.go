package models

import (
	"fmt"
	"time"
)

// Dimension is an aggregation grouping axis over the usage log.
type Dimension string

const (
	DimGlobal  Dimension = "global"
	DimUser    Dimension = "user"
	DimModel   Dimension = "model"
	DimChannel Dimension = "channel"
)

// Dimensions lists every axis in aggregation order.
var Dimensions = []Dimension{DimGlobal, DimUser, DimModel, DimChannel}

// HourlyRollup is one row of the agg_usage_hourly table. The unique key is
// (hour_bucket, dimension, dimension_key); DimensionKey is empty for the
// global dimension.
type HourlyRollup struct {
	HourBucket       time.Time `json:"hour_bucket"`
	Dimension        Dimension `json:"dimension"`
	DimensionKey     string    `json:"dimension_key"`
	RequestCount     int64     `json:"request_count"`
	TotalTokens      int64     `json:"total_tokens"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	QuotaSum         int64     `json:"quota_sum"`
	UniqueUsers      int64     `json:"unique_users"`
	UniqueTokens     int64     `json:"unique_tokens"`
}

// BurstFinding reports a token issuing requests faster than the burst limit.
// First/LastRequest are unix seconds from the log's created_at column.
type BurstFinding struct {
	TokenID      int64  `json:"token_id"`
	TokenName    string `json:"token_name"`
	RequestCount int64  `json:"request_count"`
	FirstRequest int64  `json:"first_request"`
	LastRequest  int64  `json:"last_request"`
	WindowSec    int    `json:"window_sec"`
	Threshold    int    `json:"threshold"`
}

func (f BurstFinding) Identity() string {
	return fmt.Sprintf("token_id=%d", f.TokenID)
}

// SharedTokenFinding reports a token used by several distinct accounts.
type SharedTokenFinding struct {
	TokenID       int64  `json:"token_id"`
	TokenName     string `json:"token_name"`
	UserCount     int64  `json:"user_count"`
	Users         string `json:"users"`
	TotalRequests int64  `json:"total_requests"`
	Threshold     int    `json:"threshold"`
}

func (f SharedTokenFinding) Identity() string {
	return fmt.Sprintf("token_id=%d", f.TokenID)
}

// IPFanoutFinding reports many distinct accounts active from one source IP.
type IPFanoutFinding struct {
	IP            string `json:"ip"`
	UserCount     int64  `json:"user_count"`
	Users         string `json:"users"`
	TotalRequests int64  `json:"total_requests"`
	Threshold     int    `json:"threshold"`
}

func (f IPFanoutFinding) Identity() string {
	return fmt.Sprintf("ip=%s", f.IP)
}

// BigRequestFinding reports a single request whose token count is a
// statistical outlier for the window.
type BigRequestFinding struct {
	TokenID    int64   `json:"token_id"`
	TokenName  string  `json:"token_name"`
	UserID     int64   `json:"user_id"`
	Username   string  `json:"username"`
	TokenCount int64   `json:"token_count"`
	CreatedAt  int64   `json:"created_at"`
	MeanTokens float64 `json:"mean_tokens"`
	StdTokens  float64 `json:"std_tokens"`
	Threshold  float64 `json:"threshold"`
	Sigma      float64 `json:"sigma"`
}

func (f BigRequestFinding) Identity() string {
	return fmt.Sprintf("token_id=%d user_id=%d", f.TokenID, f.UserID)
}
