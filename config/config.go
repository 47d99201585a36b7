/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5410"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"WEAVESYNC_SERVER_PORT"`
}

type LocalStoreConfig struct {
	// Path to the sqlite database file. ":memory:" is accepted for tests.
	Path string `json:"path" envconfig:"WEAVESYNC_LOCAL_STORE_PATH"`
}

type RemoteConfig struct {
	Dns string `json:"dns" envconfig:"WEAVESYNC_REMOTE_DNS"`
}

type RedisConfig struct {
	// Optional. The view cache is disabled when empty.
	Dns string `json:"dns" envconfig:"WEAVESYNC_REDIS_DNS"`
}

type SessionConfig struct {
	UserID string `json:"user_id" envconfig:"WEAVESYNC_SESSION_USER_ID"`
}

type QueueConfig struct {
	BatchSize      int `json:"batch_size" envconfig:"WEAVESYNC_QUEUE_BATCH_SIZE"`
	MaxRetries     int `json:"max_retries" envconfig:"WEAVESYNC_QUEUE_MAX_RETRIES"`
	BaseDelaySec   int `json:"base_delay_sec" envconfig:"WEAVESYNC_QUEUE_BASE_DELAY_SEC"`
	MaxDelaySec    int `json:"max_delay_sec" envconfig:"WEAVESYNC_QUEUE_MAX_DELAY_SEC"`
	RetentionHours int `json:"retention_hours" envconfig:"WEAVESYNC_QUEUE_RETENTION_HOURS"`
}

type ReplicationConfig struct {
	PullPageSize     int `json:"pull_page_size" envconfig:"WEAVESYNC_REPLICATION_PULL_PAGE_SIZE"`
	MaxPagesPerTable int `json:"max_pages_per_table" envconfig:"WEAVESYNC_REPLICATION_MAX_PAGES"`
	PushBatchSize    int `json:"push_batch_size" envconfig:"WEAVESYNC_REPLICATION_PUSH_BATCH_SIZE"`
}

type RealtimeConfig struct {
	Channel     string `json:"channel" envconfig:"WEAVESYNC_REALTIME_CHANNEL"`
	MaxAttempts int    `json:"max_attempts" envconfig:"WEAVESYNC_REALTIME_MAX_ATTEMPTS"`
}

type OrchestratorConfig struct {
	DebounceSec     int `json:"debounce_sec" envconfig:"WEAVESYNC_ORCHESTRATOR_DEBOUNCE_SEC"`
	IntervalMinutes int `json:"interval_minutes" envconfig:"WEAVESYNC_ORCHESTRATOR_INTERVAL_MINUTES"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string             `json:"project_name" envconfig:"WEAVESYNC_PROJECT_NAME"`
	Server       ServerConfig       `json:"server"`
	LocalStore   LocalStoreConfig   `json:"local_store"`
	Remote       RemoteConfig       `json:"remote"`
	Redis        RedisConfig        `json:"redis"`
	Session      SessionConfig      `json:"session"`
	Queue        QueueConfig        `json:"queue"`
	Replication  ReplicationConfig  `json:"replication"`
	Realtime     RealtimeConfig     `json:"realtime"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Notification Notification       `json:"notification"`

	EnableTelemetry bool `json:"enable_telemetry" envconfig:"WEAVESYNC_ENABLE_TELEMETRY"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("weavesync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called weavesync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Weavesync"
	}

	if cnf.LocalStore.Path == "" {
		log.Println("Error: Local store path is empty. It's a required field.")
		return errors.New("local store path is required")
	}

	if cnf.Remote.Dns == "" {
		log.Println("Error: Remote DNS is empty. It's a required field.")
		return errors.New("remote DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.LocalStore.Path = strings.TrimSpace(cnf.LocalStore.Path)
	cnf.Remote.Dns = strings.TrimSpace(cnf.Remote.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.BatchSize <= 0 {
		cnf.Queue.BatchSize = 50
	}
	if cnf.Queue.MaxRetries <= 0 {
		cnf.Queue.MaxRetries = 5
	}
	if cnf.Queue.BaseDelaySec <= 0 {
		cnf.Queue.BaseDelaySec = 1
	}
	if cnf.Queue.MaxDelaySec <= 0 {
		cnf.Queue.MaxDelaySec = 30
	}
	if cnf.Queue.RetentionHours <= 0 {
		cnf.Queue.RetentionHours = 168 // 7 days
	}

	if cnf.Replication.PullPageSize <= 0 {
		cnf.Replication.PullPageSize = 100
	}
	if cnf.Replication.MaxPagesPerTable <= 0 {
		cnf.Replication.MaxPagesPerTable = 50
	}
	if cnf.Replication.PushBatchSize <= 0 {
		cnf.Replication.PushBatchSize = 50
	}

	if cnf.Realtime.Channel == "" {
		cnf.Realtime.Channel = "weave_events"
	}
	if cnf.Realtime.MaxAttempts <= 0 {
		cnf.Realtime.MaxAttempts = 5
	}

	if cnf.Orchestrator.DebounceSec <= 0 {
		cnf.Orchestrator.DebounceSec = 5
	}
	if cnf.Orchestrator.IntervalMinutes <= 0 {
		cnf.Orchestrator.IntervalMinutes = 15
	}

	return nil
}

// QueueBaseDelay returns the configured backoff base delay.
func (cnf *Configuration) QueueBaseDelay() time.Duration {
	return time.Duration(cnf.Queue.BaseDelaySec) * time.Second
}

// QueueMaxDelay returns the configured backoff delay cap.
func (cnf *Configuration) QueueMaxDelay() time.Duration {
	return time.Duration(cnf.Queue.MaxDelaySec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
