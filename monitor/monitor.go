package monitor

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// AlertType classifies a detected pattern.
type AlertType string

const (
	// AlertBruteForce is many failures against one account.
	AlertBruteForce AlertType = "brute_force"
	// AlertPasswordSpray is one address failing against many accounts.
	AlertPasswordSpray AlertType = "password_spray"
	// AlertDistributed is one account attacked from many addresses.
	AlertDistributed AlertType = "distributed_attempts"
)

// Alert is one detected pattern within the scan window.
type Alert struct {
	Type      AlertType
	Subject   string // the account or the address, depending on Type
	Count     int64
	Distinct  int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// Config tunes a Monitor.
type Config struct {
	// Window is how far back a scan looks. Defaults to 1 hour.
	Window time.Duration
	// AccountFailureThreshold trips AlertBruteForce. Defaults to 10.
	AccountFailureThreshold int64
	// SprayAccountThreshold trips AlertPasswordSpray when one address
	// failed against at least this many distinct accounts. Defaults to 5.
	SprayAccountThreshold int64
	// DistributedIPThreshold trips AlertDistributed when one account saw
	// failures from at least this many distinct addresses. Defaults to 5.
	DistributedIPThreshold int64
	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Monitor derives alerts from the login-attempt history.
type Monitor struct {
	store  Store
	config Config
	log    *zap.Logger
}

// New returns a Monitor over store.
func New(store Store, cfg Config, log *zap.Logger) (*Monitor, error) {
	if store == nil {
		return nil, errors.New("monitor: nil store")
	}
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Window < 0 {
		return nil, errors.New("monitor: invalid window")
	}
	if cfg.AccountFailureThreshold <= 0 {
		cfg.AccountFailureThreshold = 10
	}
	if cfg.SprayAccountThreshold <= 0 {
		cfg.SprayAccountThreshold = 5
	}
	if cfg.DistributedIPThreshold <= 0 {
		cfg.DistributedIPThreshold = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store:  store,
		config: cfg,
		log:    log.With(zap.String("component", "security_monitor")),
	}, nil
}

// Scan inspects the window ending now and returns every alert the
// thresholds produce, ordered by severity (count) within each type.
func (m *Monitor) Scan(ctx context.Context) ([]Alert, error) {
	since := m.config.Now().Add(-m.config.Window)

	byAccount, err := m.store.FailuresByUsername(ctx, since)
	if err != nil {
		return nil, err
	}
	byIP, err := m.store.FailuresByIP(ctx, since)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, g := range byAccount {
		if g.Count >= m.config.AccountFailureThreshold {
			alerts = append(alerts, alert(AlertBruteForce, g))
		}
		if g.Distinct >= m.config.DistributedIPThreshold {
			alerts = append(alerts, alert(AlertDistributed, g))
		}
	}
	for _, g := range byIP {
		if g.Distinct >= m.config.SprayAccountThreshold {
			alerts = append(alerts, alert(AlertPasswordSpray, g))
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Type != alerts[j].Type {
			return alerts[i].Type < alerts[j].Type
		}
		if alerts[i].Count != alerts[j].Count {
			return alerts[i].Count > alerts[j].Count
		}
		return alerts[i].Subject < alerts[j].Subject
	})

	for _, a := range alerts {
		m.log.Warn("security alert",
			zap.String("type", string(a.Type)),
			zap.String("subject", a.Subject),
			zap.Int64("count", a.Count),
			zap.Int64("distinct", a.Distinct))
	}
	return alerts, nil
}

func alert(t AlertType, g FailureGroup) Alert {
	return Alert{
		Type:      t,
		Subject:   g.Key,
		Count:     g.Count,
		Distinct:  g.Distinct,
		FirstSeen: g.FirstSeen,
		LastSeen:  g.LastSeen,
	}
}
