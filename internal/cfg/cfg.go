package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// LLM providers selectable with -llm-provider.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// Config holds mailwarden's own settings. go-core packages register theirs
// separately in main.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	LLMProvider   string
	ClaudeAPIKey  string
	ClaudeModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int

	DatabaseURL        string
	ChunkCollection    string
	QuestionCollection string
	ChunkSize          int
	ChunkOverlap       int
	RetrievalTopK      int
	RerankTopN         int
	RerankMinScore     float64

	IMAPHost      string
	IMAPPort      int
	IMAPUsername  string
	IMAPPassword  string
	IMAPMailbox   string
	LookbackHours int
	MaxBatch      int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	RedisURL            string
	StatusSQLitePath    string
	StatusRetentionDays int

	AMQPURL         string
	AMQPQueue       string
	MaxRedeliveries int

	IdleSeconds     int
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required by the task API (empty = no auth)")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderClaude, "generation provider: claude or openai")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI-compatible provider")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL of the OpenAI-compatible API (empty = api.openai.com)")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI-compatible chat model")

	fs.StringVar(&c.EmbeddingAPIKey, "embedding-api-key", "", "API key for the embedding endpoint (empty = openai-api-key)")
	fs.StringVar(&c.EmbeddingBaseURL, "embedding-base-url", "", "base URL of the embedding endpoint (empty = openai-base-url)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "embedding model")
	fs.IntVar(&c.EmbeddingDimensions, "embedding-dimensions", 1536, "embedding vector dimensions (1..16000)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.ChunkCollection, "chunk-collection", "document_chunks", "vector collection holding chunk embeddings")
	fs.StringVar(&c.QuestionCollection, "question-collection", "hyde_questions", "vector collection holding hypothetical question embeddings")
	fs.IntVar(&c.ChunkSize, "chunk-size", 500, "target chunk size in characters")
	fs.IntVar(&c.ChunkOverlap, "chunk-overlap", 50, "characters shared by adjacent chunks (< chunk-size)")
	fs.IntVar(&c.RetrievalTopK, "retrieval-top-k", 3, "neighbours fetched per query and retrieval path")
	fs.IntVar(&c.RerankTopN, "rerank-top-n", 8, "maximum merged chunks handed to drafting (0 = unlimited)")
	fs.Float64Var(&c.RerankMinScore, "rerank-min-score", 0.5, "minimum cosine similarity of a merged chunk (-1..1)")

	fs.StringVar(&c.IMAPHost, "imap-host", "", "IMAP server host")
	fs.IntVar(&c.IMAPPort, "imap-port", 993, "IMAP server TLS port")
	fs.StringVar(&c.IMAPUsername, "imap-username", "", "IMAP account")
	fs.StringVar(&c.IMAPPassword, "imap-password", "", "IMAP password or app token")
	fs.StringVar(&c.IMAPMailbox, "imap-mailbox", "INBOX", "mailbox polled for new email")
	fs.IntVar(&c.LookbackHours, "lookback-hours", 8, "only fetch unseen email received within this many hours")
	fs.IntVar(&c.MaxBatch, "max-batch", 20, "maximum emails fetched per cycle (1..500)")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP server host")
	fs.IntVar(&c.SMTPPort, "smtp-port", 465, "SMTP server TLS port")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP account (empty = imap-username)")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password (empty = imap-password)")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "From address of replies (empty = smtp-username)")
	fs.StringVar(&c.SMTPFromName, "smtp-from-name", "", "display name on replies")

	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the email status store")
	fs.StringVar(&c.StatusSQLitePath, "status-sqlite-path", "", "SQLite file for the email status store")
	fs.IntVar(&c.StatusRetentionDays, "status-retention-days", 30, "days an email status record is kept (1..365)")

	fs.StringVar(&c.AMQPURL, "amqp-url", "", "RabbitMQ URL for the escalation queue (empty = in-process queue)")
	fs.StringVar(&c.AMQPQueue, "amqp-queue", "email_escalations", "escalation queue name")
	fs.IntVar(&c.MaxRedeliveries, "max-redeliveries", 5, "attempts per escalation message before dead-lettering (1..100)")

	fs.IntVar(&c.IdleSeconds, "idle-seconds", 60, "seconds to wait between inbox polls (1..86400)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notices")
}

// IdleInterval is the wait between inbox polls.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

// Lookback is the IMAP SINCE window.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// StatusRetention is how long email status records live.
func (c *Config) StatusRetention() time.Duration {
	return time.Duration(c.StatusRetentionDays) * 24 * time.Hour
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	errs = append(errs, c.modelErrors()...)
	errs = append(errs, c.retrievalErrors()...)

	// Mailbox
	if c.IMAPHost == "" {
		errs = append(errs, errors.New("IMAP_HOST is required"))
	}
	if c.IMAPUsername == "" {
		errs = append(errs, errors.New("IMAP_USERNAME is required"))
	}
	if c.IMAPPort <= 0 || c.IMAPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid IMAP_PORT %d (must be 1..65535)", c.IMAPPort))
	}
	if c.LookbackHours <= 0 {
		errs = append(errs, fmt.Errorf("invalid LOOKBACK_HOURS %d (must be > 0)", c.LookbackHours))
	}
	if c.MaxBatch <= 0 || c.MaxBatch > 500 {
		errs = append(errs, fmt.Errorf("invalid MAX_BATCH %d (must be 1..500)", c.MaxBatch))
	}
	if c.SMTPHost == "" {
		errs = append(errs, errors.New("SMTP_HOST is required"))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
	}

	// Status store: redis, sqlite or in-memory
	if c.RedisURL != "" && c.StatusSQLitePath != "" {
		errs = append(errs, errors.New("REDIS_URL and STATUS_SQLITE_PATH are mutually exclusive"))
	}
	if c.StatusRetentionDays <= 0 || c.StatusRetentionDays > 365 {
		errs = append(errs, fmt.Errorf("invalid STATUS_RETENTION_DAYS %d (must be 1..365)", c.StatusRetentionDays))
	}

	if c.AMQPURL != "" && c.AMQPQueue == "" {
		errs = append(errs, errors.New("AMQP_QUEUE is required when AMQP_URL is set"))
	}
	if c.MaxRedeliveries <= 0 || c.MaxRedeliveries > 100 {
		errs = append(errs, fmt.Errorf("invalid MAX_REDELIVERIES %d (must be 1..100)", c.MaxRedeliveries))
	}

	if c.IdleSeconds <= 0 || c.IdleSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid IDLE_SECONDS %d (must be 1..86400)", c.IdleSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateIngest checks the subset of fields document ingestion depends on.
// Ingestion always writes to postgres.
func (c *Config) ValidateIngest() error {
	errs := append(c.modelErrors(), c.retrievalErrors()...)
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for ingestion"))
	}
	return errors.Join(errs...)
}

func (c *Config) modelErrors() []error {
	var errs []error
	switch c.LLMProvider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case ProviderOpenAI:
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude or openai)", c.LLMProvider))
	}

	// Embeddings always go through the OpenAI-compatible endpoint
	if c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required"))
	}
	if c.EmbeddingDimensions <= 0 || c.EmbeddingDimensions > 16000 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMENSIONS %d (must be 1..16000)", c.EmbeddingDimensions))
	}
	return errs
}

func (c *Config) retrievalErrors() []error {
	var errs []error
	if c.ChunkCollection == "" || c.QuestionCollection == "" {
		errs = append(errs, errors.New("CHUNK_COLLECTION and QUESTION_COLLECTION are required"))
	} else if c.ChunkCollection == c.QuestionCollection {
		errs = append(errs, fmt.Errorf("CHUNK_COLLECTION and QUESTION_COLLECTION must differ (both %q)", c.ChunkCollection))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid CHUNK_SIZE %d (must be > 0)", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || (c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize) {
		errs = append(errs, fmt.Errorf("invalid CHUNK_OVERLAP %d (must be 0..CHUNK_SIZE-1)", c.ChunkOverlap))
	}
	if c.RetrievalTopK <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TOP_K %d (must be > 0)", c.RetrievalTopK))
	}
	if c.RerankTopN < 0 {
		errs = append(errs, fmt.Errorf("invalid RERANK_TOP_N %d (must be >= 0)", c.RerankTopN))
	}
	if !(c.RerankMinScore >= -1 && c.RerankMinScore <= 1) {
		errs = append(errs, fmt.Errorf("invalid RERANK_MIN_SCORE %v (must be -1..1)", c.RerankMinScore))
	}
	return errs
}

// SMTPIdentity resolves the SMTP credentials and sender, falling back to the
// IMAP account.
func (c *Config) SMTPIdentity() (username, password, from string) {
	username, password, from = c.SMTPUsername, c.SMTPPassword, c.SMTPFrom
	if username == "" {
		username = c.IMAPUsername
	}
	if password == "" {
		password = c.IMAPPassword
	}
	if from == "" {
		from = username
	}
	return username, password, from
}

// EmbeddingEndpoint resolves the embedding key and base URL, falling back to
// the OpenAI-compatible generation settings.
func (c *Config) EmbeddingEndpoint() (apiKey, baseURL string) {
	apiKey, baseURL = c.EmbeddingAPIKey, c.EmbeddingBaseURL
	if apiKey == "" {
		apiKey = c.OpenAIAPIKey
	}
	if baseURL == "" {
		baseURL = c.OpenAIBaseURL
	}
	return apiKey, baseURL
}
