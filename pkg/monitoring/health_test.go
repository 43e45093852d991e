package monitoring

import (
	"testing"
)

func TestCheckHealthAggregation(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckResult
		want   string
	}{
		{
			name:   "all_healthy",
			checks: map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy}},
			want:   StatusHealthy,
		},
		{
			name:   "one_degraded",
			checks: map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}},
			want:   StatusDegraded,
		},
		{
			name:   "one_unhealthy_wins",
			checks: map[string]CheckResult{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}},
			want:   StatusUnhealthy,
		},
		{
			name:   "unknown_status_counts_as_unhealthy",
			checks: map[string]CheckResult{"a": {Status: "bogus"}},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("orchestrator", "test")
			for name, result := range tt.checks {
				result := result
				hc.AddCheck(name, func() CheckResult { return result })
			}
			health := hc.CheckHealth()
			if health.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, health.Status)
			}
			if len(health.Checks) != len(tt.checks) {
				t.Fatalf("expected %d check results, got %d", len(tt.checks), len(health.Checks))
			}
		})
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"DATABASE_URL": "postgres://x"})
	if got := check(); got.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got.Status)
	}
	check = ConfigurationHealthCheck(map[string]string{"DATABASE_URL": ""})
	if got := check(); got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got.Status)
	}
}
