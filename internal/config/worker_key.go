package config

type WorkerKeyStruct struct {
	PersistSessionsQueue  string
	PersistResponsesQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSessionsQueue:  "persist_sessions_queue",
	PersistResponsesQueue: "persist_responses_queue",
}
