package domain

import (
	"sync"
	"time"
)

// Clock абстрагирует источник времени для детерминированных тестов
type Clock interface {
	Now() time.Time
}

// RealClock использует системное время
type RealClock struct{}

// Now возвращает текущее системное время
func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock управляемое время для тестов
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock создает MockClock с заданным временем
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now возвращает текущее время мока
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance сдвигает время вперед на заданный интервал
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set устанавливает конкретное время
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
