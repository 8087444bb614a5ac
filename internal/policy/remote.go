package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// ThrottleError сигнализирует, что удаленный сервис попросил подождать
// (прочитан заголовок Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

// HTTPSource — удаленный источник решений поверх HTTP с Circuit Breaker
// и ретраями. Семантика на стороне Engine: сбой источника никогда не
// открывает доступ, а локальный DENY не пересматривается.
type HTTPSource struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "policy-remote",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
	}
}

// Evaluate реализует интерфейс Source.
func (s *HTTPSource) Evaluate(ctx context.Context, req domain.ActionRequest) (domain.Decision, error) {
	var decision domain.Decision

	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если сервис вернул 429 с Retry-After — уважаем его
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Иначе стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			d, callErr := s.call(ctx, req)
			if callErr != nil {
				return callErr
			}
			decision = d
			return nil
		})
	})

	if err != nil {
		return domain.Decision{}, err
	}
	return decision, nil
}

func (s *HTTPSource) call(ctx context.Context, req domain.ActionRequest) (domain.Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return domain.Decision{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("remote policy call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 2 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if d, parseErr := time.ParseDuration(v + "s"); parseErr == nil {
				retryAfter = d
			}
		}
		return domain.Decision{}, &ThrottleError{
			RetryAfter: retryAfter,
			Cause:      fmt.Errorf("remote policy service throttled"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Decision{}, fmt.Errorf("remote policy service returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Decision{}, err
	}
	var d domain.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Decision{}, fmt.Errorf("invalid remote decision payload: %w", err)
	}
	if d.Effect == "" {
		// Пустой эффект трактуем как отсутствие мнения, не как запрет
		d.Effect = domain.EffectAllow
	}
	return d, nil
}
