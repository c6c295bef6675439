// Package queue hands finished games off over RabbitMQ: the engine publishes
// one task per completed game (stats, transcript export) and workers consume
// them. When no external worker fleet is deployed the server process
// registers its own handlers and drains the queue itself. Failed tasks are
// requeued with a delay up to their retry budget, then parked on a dead
// letter queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Task is one unit of post-game work.
type Task struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	RoomCode  string                 `json:"room_code"`
	GameID    string                 `json:"game_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Priority  int                    `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
	Retries   int                    `json:"retries"`
	MaxRetry  int                    `json:"max_retry"`
}

// TaskResult reports one handler run, surfaced on Results for monitoring.
type TaskResult struct {
	TaskID    string                 `json:"task_id"`
	TaskType  string                 `json:"task_type"`
	RoomCode  string                 `json:"room_code"`
	Success   bool                   `json:"success"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// TaskHandler processes one task; a non-nil error triggers the retry path.
type TaskHandler func(ctx context.Context, task Task) (map[string]interface{}, error)

type Config struct {
	URL        string
	QueueName  string
	Prefetch   int
	Logger     *slog.Logger
	RetryDelay time.Duration
	MaxRetries int
}

// Queue is one connection to the broker, publishing and (optionally)
// consuming a single durable priority queue plus its dead letter queue.
type Queue struct {
	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	handlers   map[string]TaskHandler
	logger     *slog.Logger
	queueName  string
	dlqName    string
	retryDelay time.Duration
	maxRetries int
	resultCh   chan TaskResult
	ctx        context.Context
	cancelFunc context.CancelFunc
}

func New(cfg Config) (*Queue, error) {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	dlqName := cfg.QueueName + "_dlq"
	for name, args := range map[string]amqp.Table{
		cfg.QueueName: {"x-max-priority": 10},
		dlqName:       nil,
	} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		conn:       conn,
		channel:    ch,
		handlers:   make(map[string]TaskHandler),
		logger:     logger,
		queueName:  cfg.QueueName,
		dlqName:    dlqName,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		resultCh:   make(chan TaskResult, 100),
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

// RegisterHandler binds a handler to a task type. Tasks with no handler are
// parked on the DLQ.
func (q *Queue) RegisterHandler(taskType string, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

func (q *Queue) handler(taskType string) (TaskHandler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[taskType]
	return h, ok
}

// Publish enqueues one task as a persistent message.
func (q *Queue) Publish(ctx context.Context, task Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.MaxRetry == 0 {
		task.MaxRetry = q.maxRetries
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.channel.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Priority:     uint8(task.Priority),
		MessageId:    task.ID,
		Timestamp:    task.CreatedAt,
	})
}

// Start begins consuming. Call only when this process should also act as a
// worker.
func (q *Queue) Start(ctx context.Context) error {
	msgs, err := q.channel.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handleDelivery(ctx, msg)
			}
		}
	}()
	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		q.logger.Error("cannot unmarshal task", "error", err)
		q.park(ctx, msg.Body)
		msg.Nack(false, false)
		return
	}

	handler, ok := q.handler(task.Type)
	if !ok {
		q.logger.Error("no handler for task type", "type", task.Type)
		q.park(ctx, msg.Body)
		msg.Nack(false, false)
		return
	}

	start := time.Now()
	result, err := handler(ctx, task)
	res := TaskResult{
		TaskID:    task.ID,
		TaskType:  task.Type,
		RoomCode:  task.RoomCode,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}

	if err != nil {
		res.Error = err.Error()
		q.retryOrPark(ctx, task, msg.Body)
		msg.Nack(false, false)
	} else {
		res.Success = true
		res.Result = result
		msg.Ack(false)
	}

	select {
	case q.resultCh <- res:
	default:
	}
}

// retryOrPark requeues a failed task after the retry delay while budget
// remains, otherwise parks its payload on the DLQ.
func (q *Queue) retryOrPark(ctx context.Context, task Task, rawBody []byte) {
	if task.Retries >= task.MaxRetry {
		q.park(ctx, rawBody)
		return
	}
	task.Retries++
	time.AfterFunc(q.retryDelay, func() {
		if q.ctx.Err() != nil {
			return
		}
		if err := q.Publish(q.ctx, task); err != nil {
			q.logger.Error("cannot requeue task", "task_id", task.ID, "error", err)
		}
	})
}

func (q *Queue) park(ctx context.Context, body []byte) {
	if err := q.channel.PublishWithContext(ctx, "", q.dlqName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		q.logger.Error("cannot park task on DLQ", "error", err)
	}
}

// Results streams handler outcomes; slow readers miss entries rather than
// blocking the consumer.
func (q *Queue) Results() <-chan TaskResult {
	return q.resultCh
}

func (q *Queue) Close() error {
	q.cancelFunc()
	if err := q.channel.Close(); err != nil {
		return err
	}
	return q.conn.Close()
}

// HealthCheck reports whether the broker connection is still up; surfaced on
// the HTTP health endpoint.
func (q *Queue) HealthCheck() error {
	if q.conn.IsClosed() {
		return fmt.Errorf("connection closed")
	}
	return nil
}
