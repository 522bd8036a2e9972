package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clarity-api"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"clarity"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis (webhook dedup + poller leadership)
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Graph projection (optional)
	GraphEnabled    bool   `env:"GRAPH_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Kafka Consumer (batch processing triggers)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"payee-batches"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"clarity-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer settings
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"payee-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Matching
	MatchDirectThreshold float64 `env:"MATCH_DIRECT_THRESHOLD" env-default:"0.85"`
	MatchReviewThreshold float64 `env:"MATCH_REVIEW_THRESHOLD" env-default:"0.60"`
	MatchMaxCandidates   int     `env:"MATCH_MAX_CANDIDATES" env-default:"50"`
	MatchWorkerCount     int     `env:"MATCH_WORKER_COUNT" env-default:"4"`
	MatchingEnabled      bool    `env:"MATCHING_ENABLED" env-default:"true"`

	// AI arbiter
	ArbiterURL     string        `env:"ARBITER_URL" env-default:""`
	ArbiterTimeout time.Duration `env:"ARBITER_TIMEOUT" env-default:"15s"`
	ArbiterEnabled bool          `env:"ARBITER_ENABLED" env-default:"true"`

	// Enrichment provider
	EnrichmentEnabled      bool          `env:"ENRICHMENT_ENABLED" env-default:"true"`
	ProviderBaseURL        string        `env:"PROVIDER_BASE_URL" env-default:""`
	ProviderAPIKey         string        `env:"PROVIDER_API_KEY" env-default:""`
	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT" env-default:"30s"`
	ProviderRecordCap      int           `env:"PROVIDER_RECORD_CAP" env-default:"100"`
	ProviderMaxSubmitRetry int           `env:"PROVIDER_MAX_SUBMIT_RETRY" env-default:"5"`
	PollTimeout            time.Duration `env:"POLL_TIMEOUT" env-default:"30m"`
	PollMaxFailures        int           `env:"POLL_MAX_FAILURES" env-default:"10"`
	ReconcileInterval      time.Duration `env:"RECONCILE_INTERVAL" env-default:"5m"`
	WebhookSecret          string        `env:"WEBHOOK_SECRET" env-default:""`
	WebhookDedupTTL        time.Duration `env:"WEBHOOK_DEDUP_TTL" env-default:"24h"`

	// Result extraction (JMESPath into provider result records)
	ResultRecordIDExpr   string `env:"RESULT_RECORD_ID_EXPR" env-default:"recordId"`
	ResultMatchedExpr    string `env:"RESULT_MATCHED_EXPR" env-default:"matched"`
	ResultEntityIDExpr   string `env:"RESULT_ENTITY_ID_EXPR" env-default:"entity.id"`
	ResultEntityNameExpr string `env:"RESULT_ENTITY_NAME_EXPR" env-default:"entity.name"`
	ResultCategoryExpr   string `env:"RESULT_CATEGORY_EXPR" env-default:"entity.category"`
	ResultConfidenceExpr string `env:"RESULT_CONFIDENCE_EXPR" env-default:"confidence"`
}
