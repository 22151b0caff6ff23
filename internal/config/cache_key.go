package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// QuestionnaireDefinitionKey returns the cache key for a published
// questionnaire's definition payload
func (r *CacheKeyStruct) QuestionnaireDefinitionKey(questionnaireID string) string {
	return fmt.Sprintf("questionnaire:%s:definition", questionnaireID)
}

// QuestionnaireEntryCodeKey returns the cache key mapping an entry code to
// its questionnaire id
func (r *CacheKeyStruct) QuestionnaireEntryCodeKey(entryCode string) string {
	return fmt.Sprintf("entry_code:%s", entryCode)
}

// ParticipantActiveRunKey returns the cache key for a participant's
// currently active run session
func (r *CacheKeyStruct) ParticipantActiveRunKey(participantID string) string {
	return fmt.Sprintf("participant:%s:active_run", participantID)
}

// RunSessionKey returns the cache key for a live run's last known state
func (r *CacheKeyStruct) RunSessionKey(sessionID string) string {
	return fmt.Sprintf("run:%s:state", sessionID)
}

// RunMonitorChannel returns the Redis PubSub channel name for a
// questionnaire's live run monitor
func (r *CacheKeyStruct) RunMonitorChannel(questionnaireID string) string {
	return fmt.Sprintf("questionnaire:%s:monitor", questionnaireID)
}

var CacheKey = NewCacheKeyStruct()
