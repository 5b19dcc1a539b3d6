package download

import "time"

// Config contains the configuration options which control how the download
// service accepts and processes jobs.
type Config struct {
	// Concurrency is the number of workers driving jobs through the pipeline.
	// Jobs beyond this ceiling wait in the job table until a worker is free.
	Concurrency int `yaml:"concurrency" env:"DOWNLOAD_CONCURRENCY" env-default:"4"`

	// LeaseSeconds is how long a worker's claim on a job lasts without being
	// renewed. Claims are renewed while the job is being worked on, so this
	// only bounds how long a job is stranded if its worker disappears.
	LeaseSeconds int `yaml:"lease_seconds" env:"DOWNLOAD_LEASE_SECONDS" env-default:"120"`

	// PollSeconds controls how often idle workers are woken to check for
	// claimable jobs, in addition to the wakeups sent on submission.
	PollSeconds int `yaml:"poll_seconds" env:"DOWNLOAD_POLL_SECONDS" env-default:"10"`

	// MaxJobAttempts is the number of attempts a job may be given across
	// restarts before it is failed outright.
	MaxJobAttempts int `yaml:"max_job_attempts" env:"DOWNLOAD_MAX_JOB_ATTEMPTS" env-default:"5"`

	// MaxBatchSize is the largest number of items accepted in one submission.
	MaxBatchSize int `yaml:"max_batch_size" env:"DOWNLOAD_MAX_BATCH_SIZE" env-default:"50"`
}

func (config Config) Lease() time.Duration {
	return time.Duration(config.LeaseSeconds) * time.Second
}

func (config Config) PollInterval() time.Duration {
	return time.Duration(config.PollSeconds) * time.Second
}
