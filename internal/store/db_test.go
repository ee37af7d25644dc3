package store

import (
	"testing"
	"time"
)

func TestPoolConfigDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   PoolConfig
		want PoolConfig
	}{
		{
			name: "zero takes defaults",
			want: PoolConfig{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxIdleTime: 5 * time.Minute, ConnMaxLifetime: 30 * time.Minute},
		},
		{
			name: "explicit values kept",
			in:   PoolConfig{MaxOpenConns: 50, MaxIdleConns: 25, ConnMaxIdleTime: time.Minute, ConnMaxLifetime: time.Hour},
			want: PoolConfig{MaxOpenConns: 50, MaxIdleConns: 25, ConnMaxIdleTime: time.Minute, ConnMaxLifetime: time.Hour},
		},
		{
			name: "idle capped by open",
			in:   PoolConfig{MaxOpenConns: 4, MaxIdleConns: 10},
			want: PoolConfig{MaxOpenConns: 4, MaxIdleConns: 4, ConnMaxIdleTime: 5 * time.Minute, ConnMaxLifetime: 30 * time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
