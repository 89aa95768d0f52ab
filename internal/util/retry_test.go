package util

import (
	"context"
	"errors"
	"testing"
)

func TestRetry(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		got, err := Retry(3, func() (int, error) {
			calls++
			return 42, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 42 {
			t.Errorf("got %d, want 42", got)
		}
		if calls != 1 {
			t.Errorf("got %d calls, want 1", calls)
		}
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		got, err := Retry(3, func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "ok" {
			t.Errorf("got %q, want %q", got, "ok")
		}
		if calls != 3 {
			t.Errorf("got %d calls, want 3", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		wantErr := errors.New("always fails")
		calls := 0
		_, err := Retry(4, func() (int, error) {
			calls++
			return 0, wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("got error %v, want %v", err, wantErr)
		}
		if calls != 4 {
			t.Errorf("got %d calls, want 4", calls)
		}
	})

	t.Run("zero maxTries defaults to one", func(t *testing.T) {
		calls := 0
		_, _ = Retry(0, func() (int, error) {
			calls++
			return 0, errors.New("fail")
		})
		if calls != 1 {
			t.Errorf("got %d calls, want 1", calls)
		}
	})
}

func TestRetryWithContext(t *testing.T) {
	t.Run("stops on canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		_, err := RetryWithContext(ctx, 5, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("fail")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got error %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("got %d calls, want 0", calls)
		}
	})

	t.Run("stops when fn reports cancellation", func(t *testing.T) {
		calls := 0
		_, err := RetryWithContext(context.Background(), 5, func(ctx context.Context) (int, error) {
			calls++
			return 0, context.Canceled
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got error %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("got %d calls, want 1", calls)
		}
	})

	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		got, err := RetryWithContext(context.Background(), 3, func(ctx context.Context) (int, error) {
			calls++
			if calls < 2 {
				return 0, errors.New("transient")
			}
			return 7, nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})
}

func TestRetryErrWithContext(t *testing.T) {
	calls := 0
	err := RetryErrWithContext(context.Background(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}
