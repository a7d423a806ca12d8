package config

import (
	"testing"
	"time"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "5000"},
		JWT:    JWTConfig{Secret: "secret"},
		Queue:  QueueConfig{MaxConcurrent: 3, PollIntervalSec: 5, MaxAttempts: 60},
		Stream: StreamConfig{IntervalSec: 10, MaxDurationSec: 600},
		Cron:   CronConfig{StaleAfterMin: 30},
	}
}

func TestValidateConfigOK(t *testing.T) {
	if err := validateConfig(validTestConfig()); err != nil {
		t.Errorf("合法配置不应报错: %v", err)
	}
}

func TestValidateConfigTimeoutOrdering(t *testing.T) {
	// 推送通道上限不能短于 Watcher 的轮询总时长
	cfg := validTestConfig()
	cfg.Stream.MaxDurationSec = 100
	if err := validateConfig(cfg); err == nil {
		t.Error("stream.max_duration_sec 小于 Watcher 总时长应报错")
	}

	// 停滞阈值不能短于推送通道上限
	cfg = validTestConfig()
	cfg.Cron.StaleAfterMin = 5
	if err := validateConfig(cfg); err == nil {
		t.Error("cron.stale_after_min 小于推送通道上限应报错")
	}
}

func TestValidateConfigRejectsBadQueue(t *testing.T) {
	cfg := validTestConfig()
	cfg.Queue.MaxConcurrent = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("max_concurrent 为 0 应报错")
	}

	cfg = validTestConfig()
	cfg.Queue.PollIntervalSec = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("poll_interval_sec 为 0 应报错")
	}
}

func TestDurationHelpers(t *testing.T) {
	q := QueueConfig{PollIntervalSec: 5}
	if q.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval = %v", q.PollInterval())
	}

	s := StreamConfig{IntervalSec: 10, MaxDurationSec: 600}
	if s.Interval() != 10*time.Second || s.MaxDuration() != 600*time.Second {
		t.Errorf("Interval = %v, MaxDuration = %v", s.Interval(), s.MaxDuration())
	}

	c := CronConfig{StaleAfterMin: 30}
	if c.StaleAfter() != 30*time.Minute {
		t.Errorf("StaleAfter = %v", c.StaleAfter())
	}
}

func TestCostFor(t *testing.T) {
	b := BillingConfig{Costs: map[string]int64{"background_removal": 1}}
	if b.CostFor("background_removal") != 1 {
		t.Error("已配置类型应返回配置值")
	}
	if b.CostFor("未配置的类型") != 0 {
		t.Error("未配置类型应返回 0")
	}
}
