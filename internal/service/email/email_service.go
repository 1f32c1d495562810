package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"shop/internal/model"
	"shop/internal/monitor"
	"shop/internal/repository"
	"shop/pkg/log"
	"shop/pkg/utils"
)

// EmailService renders and sends notification mails. Every method logs the
// mail before sending and reports whether delivery succeeded; only failures
// of the log store are returned as errors.
type EmailService interface {
	EmailCart(ctx context.Context, msg model.CartEmailMessage) (bool, error)
	RegisterUser(ctx context.Context, msg model.UserRegisteredMessage) (bool, error)
	OrderPlaced(ctx context.Context, msg model.RewardsMessage) (bool, error)
}

type emailService struct {
	repo     repository.EmailLogRepository
	sender   Sender
	operator string
	metrics  *monitor.MetricsCollector
	now      func() time.Time
}

// NewEmailService creates an email service. operator receives the
// registration and order notifications.
func NewEmailService(repo repository.EmailLogRepository, sender Sender, operator string, metrics *monitor.MetricsCollector) EmailService {
	return &emailService{
		repo:     repo,
		sender:   sender,
		operator: operator,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *emailService) EmailCart(ctx context.Context, msg model.CartEmailMessage) (bool, error) {
	to := msg.Cart.CartHeader.Email
	if _, err := mail.ParseAddress(to); err != nil {
		return false, utils.WrapError(err, utils.CodeInvalidParam, "cart email address is invalid")
	}

	body, err := renderCart(msg.Cart)
	if err != nil {
		return false, fmt.Errorf("render cart email: %w", err)
	}
	return s.logAndEmail(ctx, "cart", to, "Your cart", body, msg.Key())
}

func (s *emailService) RegisterUser(ctx context.Context, msg model.UserRegisteredMessage) (bool, error) {
	if strings.TrimSpace(msg.Email) == "" {
		return false, utils.NewError(utils.CodeInvalidParam, "registered email is empty")
	}

	body, err := renderRegistered(msg.Email)
	if err != nil {
		return false, fmt.Errorf("render registration email: %w", err)
	}
	return s.logAndEmail(ctx, "user_registered", s.operator, "User registered", body, msg.Key())
}

func (s *emailService) OrderPlaced(ctx context.Context, msg model.RewardsMessage) (bool, error) {
	if msg.OrderID <= 0 {
		return false, utils.NewError(utils.CodeInvalidParam, "order id is missing")
	}

	body, err := renderOrderPlaced(msg)
	if err != nil {
		return false, fmt.Errorf("render order email: %w", err)
	}
	return s.logAndEmail(ctx, "order_placed", s.operator, "New order placed", body, msg.Key())
}

// logAndEmail stores the log row, then attempts delivery. A repeated dedup key
// is reported as delivered without sending again.
func (s *emailService) logAndEmail(ctx context.Context, kind, to, subject, body, dedupKey string) (bool, error) {
	record := &model.EmailLogRecord{
		Email:   to,
		Message: body,
		SentAt:  s.now(),
	}
	if dedupKey != "" {
		record.DedupKey = &dedupKey
	}

	created, err := s.repo.CreateOnce(ctx, record)
	if err != nil {
		return false, fmt.Errorf("log %s email: %w", kind, err)
	}

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"kind":      kind,
		"to":        to,
		"dedup_key": dedupKey,
	})
	if !created {
		entry.Info("Duplicate email request skipped")
		return true, nil
	}

	if err := s.sender.Send(ctx, to, subject, body); err != nil {
		entry.WithError(err).Warn("Email delivery failed")
		s.metrics.RecordEmail(kind, false)
		return false, nil
	}
	s.metrics.RecordEmail(kind, true)

	if err := s.repo.MarkDelivered(ctx, record.ID); err != nil {
		entry.WithError(err).Warn("Failed to mark email delivered")
	}
	entry.Info("Email sent")
	return true, nil
}

func cartTotal(cart model.CartSnapshot) decimal.Decimal {
	if !cart.CartHeader.CartTotal.IsZero() {
		return cart.CartHeader.CartTotal
	}
	return cart.Subtotal().Sub(cart.CartHeader.Discount)
}
