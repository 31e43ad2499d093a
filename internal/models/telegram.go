package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a run notification.
type TelegramMessage struct {
	Success   bool
	Host      string
	StartTime time.Time
	Duration  time.Duration
	DryRun    bool
	Targets   []TelegramTargetLine
}

// TelegramTargetLine summarises one target in a notification.
type TelegramTargetLine struct {
	Name             string
	Success          bool
	Warning          bool
	Archive          string
	NFiles           uint64
	OriginalSize     uint64
	DeduplicatedSize uint64
	FailedStep       string
	ErrorMessage     string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
