package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-tus/tus/transfer"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

// Environment variables providing the defaults of the flags.
const (
	endpointEnvKey        = "TUS_ENDPOINT"
	chunkSizeEnvKey       = "TUS_CHUNK_SIZE"
	maxRetriesEnvKey      = "TUS_MAX_RETRIES"
	retryWaitEnvKey       = "TUS_RETRY_WAIT"
	storeEnvKey           = "TUS_STORE"
	storePathEnvKey       = "TUS_STORE_PATH"
	redisAddrEnvKey       = "TUS_REDIS_ADDR"
	redisPasswordEnvKey   = "TUS_REDIS_PASSWORD"
	s3BucketEnvKey        = "TUS_S3_BUCKET"
	s3RegionEnvKey        = "TUS_S3_REGION"
	s3PrefixEnvKey        = "TUS_S3_PREFIX"
	accessKeyIDEnvKey     = "AWS_ACCESS_KEY_ID"
	secretAccessKeyEnvKey = "AWS_SECRET_ACCESS_KEY"
	headersEnvKey         = "TUS_HEADERS"
	verboseEnvKey         = "TUS_VERBOSE"
)

// Store kinds accepted by --store.
const (
	storeNone    = "none"
	storeMemory  = "memory"
	storeFile    = "file"
	storeLevelDB = "leveldb"
	storePebble  = "pebble"
	storeRedis   = "redis"
	storeS3      = "s3"
)

var storeKinds = []string{storeNone, storeMemory, storeFile, storeLevelDB, storePebble, storeRedis, storeS3}

// Secret is a string which is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config ...
type Config struct {
	Endpoint string
	Payload  string

	ChunkSize  int64
	MaxRetries uint
	RetryWait  time.Duration

	Store         string
	StorePath     string
	RedisAddr     string
	RedisPassword Secret
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	AccessKeyID   string
	SecretKey     Secret

	Headers  http.Header
	Metadata map[string]string

	Compress        bool
	MethodOverride  bool
	RemoveOnSuccess bool
	ExportOutputs   bool
	Analytics       bool
	Verbose         bool
}

func parseConfig(args []string, envRepo env.Repository) (Config, error) {
	var (
		cfg           Config
		chunkSize     string
		maxRetries    int
		redisPassword string
		secretKey     string
		headers       []string
		metadata      []string
		showHelp      bool
	)

	defaults := transfer.DefaultConfig()
	defaultRetries, err := envInt(envRepo, maxRetriesEnvKey, int(defaults.MaxRetries))
	if err != nil {
		return Config{}, err
	}
	defaultWait, err := envDuration(envRepo, retryWaitEnvKey, defaults.RetryWait)
	if err != nil {
		return Config{}, err
	}

	flagSet := pflag.NewFlagSet("tus-upload", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Endpoint, "endpoint", "e", envRepo.Get(endpointEnvKey), "creation URL of the tus server")
	flagSet.StringVar(&chunkSize, "chunk-size", envOr(envRepo, chunkSizeEnvKey, units.BytesSize(float64(defaults.ChunkSize))), "maximum size of one chunk request, like 5MB or 512KiB; 0 sends a file in one request")
	flagSet.IntVar(&maxRetries, "max-retries", defaultRetries, "number of times a failed chunk is sent again")
	flagSet.DurationVar(&cfg.RetryWait, "retry-wait", defaultWait, "time waited before a failed chunk is sent again")
	flagSet.StringVar(&cfg.Store, "store", envOr(envRepo, storeEnvKey, storeFile), "where upload URLs are remembered for resuming: "+strings.Join(storeKinds, ", "))
	flagSet.StringVar(&cfg.StorePath, "store-path", envRepo.Get(storePathEnvKey), "path of the file, leveldb or pebble store (default: ~/.tus/uploads.yml or ~/.tus/<store>)")
	flagSet.StringVar(&cfg.RedisAddr, "redis-addr", envOr(envRepo, redisAddrEnvKey, "localhost:6379"), "address of the redis store")
	flagSet.StringVar(&redisPassword, "redis-password", envRepo.Get(redisPasswordEnvKey), "password of the redis store")
	flagSet.StringVar(&cfg.S3Bucket, "s3-bucket", envRepo.Get(s3BucketEnvKey), "bucket of the s3 store")
	flagSet.StringVar(&cfg.S3Region, "s3-region", envRepo.Get(s3RegionEnvKey), "region of the s3 store bucket")
	flagSet.StringVar(&cfg.S3Prefix, "s3-prefix", envOr(envRepo, s3PrefixEnvKey, "tus/"), "object key prefix of the s3 store")
	flagSet.StringVar(&cfg.AccessKeyID, "aws-access-key-id", envRepo.Get(accessKeyIDEnvKey), "access key ID of the s3 store")
	flagSet.StringVar(&secretKey, "aws-secret-access-key", envRepo.Get(secretAccessKeyEnvKey), "secret access key of the s3 store")
	flagSet.StringArrayVarP(&headers, "header", "H", splitLines(envRepo.Get(headersEnvKey)), "request header added to every request, like 'Authorization: Bearer x'")
	flagSet.StringArrayVarP(&metadata, "metadata", "m", nil, "upload metadata as key=value")
	flagSet.BoolVar(&cfg.Compress, "compress", false, "compress the payload with zstd before uploading")
	flagSet.BoolVar(&cfg.MethodOverride, "method-override", false, "send HEAD and PATCH requests as POST with X-HTTP-Method-Override")
	flagSet.BoolVar(&cfg.RemoveOnSuccess, "remove-on-success", false, "forget the upload URL once the upload is finished")
	flagSet.BoolVar(&cfg.ExportOutputs, "export-outputs", false, "export the upload URL with envman")
	flagSet.BoolVar(&cfg.Analytics, "analytics", false, "send upload analytics events")
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", envRepo.Get(verboseEnvKey) == "true", "print debug logs")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if showHelp {
		fmt.Fprintf(os.Stderr, "Usage: tus-upload [flags] <payload>\n\n%s", flagSet.FlagUsages())
		return Config{}, pflag.ErrHelp
	}

	positional := flagSet.Args()
	if len(positional) != 1 {
		return Config{}, fmt.Errorf("expected exactly one payload argument, got %d", len(positional))
	}
	cfg.Payload = positional[0]

	if cfg.ChunkSize, err = units.RAMInBytes(chunkSize); err != nil {
		return Config{}, fmt.Errorf("invalid chunk size %q: %w", chunkSize, err)
	}
	if maxRetries < 0 {
		return Config{}, fmt.Errorf("max retries must not be negative: %d", maxRetries)
	}
	cfg.MaxRetries = uint(maxRetries)
	cfg.RedisPassword = Secret(redisPassword)
	cfg.SecretKey = Secret(secretKey)

	if cfg.Headers, err = parseHeaders(headers); err != nil {
		return Config{}, err
	}
	if cfg.Metadata, err = parseMetadataFlags(metadata); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required, set --endpoint or " + endpointEnvKey)
	}
	if !isStoreKind(c.Store) {
		return fmt.Errorf("unknown store %q, expected one of: %s", c.Store, strings.Join(storeKinds, ", "))
	}
	if c.Store == storeS3 && c.S3Bucket == "" {
		return errors.New("s3 store requires --s3-bucket or " + s3BucketEnvKey)
	}
	return nil
}

func (c Config) print(logger log.Logger) {
	logger.Infof("Configs:")
	logger.Printf("- Endpoint: %s", c.Endpoint)
	logger.Printf("- Payload: %s", c.Payload)
	logger.Printf("- ChunkSize: %s", units.BytesSize(float64(c.ChunkSize)))
	logger.Printf("- MaxRetries: %d", c.MaxRetries)
	logger.Printf("- RetryWait: %s", c.RetryWait)
	logger.Printf("- Store: %s", c.Store)
	switch c.Store {
	case storeFile, storeLevelDB, storePebble:
		logger.Printf("- StorePath: %s", c.StorePath)
	case storeRedis:
		logger.Printf("- RedisAddr: %s", c.RedisAddr)
		logger.Printf("- RedisPassword: %s", c.RedisPassword)
	case storeS3:
		logger.Printf("- S3Bucket: %s", c.S3Bucket)
		logger.Printf("- S3Region: %s", c.S3Region)
		logger.Printf("- S3Prefix: %s", c.S3Prefix)
		logger.Printf("- AccessKeyID: %s", c.AccessKeyID)
		logger.Printf("- SecretAccessKey: %s", c.SecretKey)
	}
	for key := range c.Headers {
		logger.Printf("- Header: %s", key)
	}
	logger.Printf("- Compress: %t", c.Compress)
	logger.Printf("- MethodOverride: %t", c.MethodOverride)
}

func parseHeaders(values []string) (http.Header, error) {
	headers := http.Header{}
	for _, value := range values {
		key, v, ok := strings.Cut(value, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: Value'", value)
		}
		headers.Add(key, strings.TrimSpace(v))
	}
	return headers, nil
}

func parseMetadataFlags(values []string) (map[string]string, error) {
	metadata := map[string]string{}
	for _, value := range values {
		key, v, ok := strings.Cut(value, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", value)
		}
		metadata[key] = v
	}
	return metadata, nil
}

func isStoreKind(kind string) bool {
	for _, k := range storeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func envOr(envRepo env.Repository, key, fallback string) string {
	if value := envRepo.Get(key); value != "" {
		return value
	}
	return fallback
}

func envInt(envRepo env.Repository, key string, fallback int) (int, error) {
	value := envRepo.Get(key)
	if value == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func envDuration(envRepo env.Repository, key string, fallback time.Duration) (time.Duration, error) {
	value := envRepo.Get(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitLines(value string) []string {
	var lines []string
	for _, line := range strings.Split(value, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
