// Package models provides the domain types and state management for the
// trading platform: cycles, orders, positions, scan results, and the
// append-only risk/watchdog records.
package models

import (
	"fmt"
	"time"
)

// CycleState represents the pipeline state of a trading cycle.
type CycleState string

const (
	CycleCreated            CycleState = "created"
	CycleScanning           CycleState = "scanning"
	CycleFilteringNews      CycleState = "filtering_news"
	CycleFilteringPatterns  CycleState = "filtering_patterns"
	CycleFilteringTechnical CycleState = "filtering_technical"
	CycleRiskValidation     CycleState = "risk_validation"
	CycleExecuting          CycleState = "executing"
	CycleMonitoring         CycleState = "monitoring"
	CycleStopped            CycleState = "stopped"
	CycleClosed             CycleState = "closed"
	CycleError              CycleState = "error"
)

// Terminal returns true if no further cycle transitions are allowed.
func (s CycleState) Terminal() bool {
	return s == CycleClosed || s == CycleError
}

// Active returns true if the cycle may still validate and execute trades.
func (s CycleState) Active() bool {
	return !s.Terminal() && s != CycleStopped
}

// CycleMode determines how much autonomy the cycle runs with.
type CycleMode string

const (
	ModeAutonomous CycleMode = "autonomous"
	ModeSupervised CycleMode = "supervised"
	ModePaper      CycleMode = "paper"
)

// TradingCycle is one day's pipeline run. Only one open cycle exists per date.
type TradingCycle struct {
	ID             string
	Date           string // YYYY-MM-DD, unique
	State          CycleState
	Mode           CycleMode
	Config         string // configuration blob as applied at cycle start
	StartedAt      time.Time
	StoppedAt      time.Time
	TradesExecuted int
	TradesWon      int
	TradesLost     int
	DailyPnL       float64
	UpdatedAt      time.Time
}

// OrderClass distinguishes simple orders from multi-leg groupings.
type OrderClass string

const (
	ClassSimple  OrderClass = "simple"
	ClassBracket OrderClass = "bracket"
	ClassOCO     OrderClass = "oco"
	ClassOTO     OrderClass = "oto"
)

// OrderPurpose records why an order exists relative to its position.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeExit       OrderPurpose = "exit"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeTakeProfit OrderPurpose = "take_profit"
)

// IsBracketLeg returns true for the two GTC children of a bracket entry.
func (p OrderPurpose) IsBracketLeg() bool {
	return p == PurposeStopLoss || p == PurposeTakeProfit
}

// OrderSide is the broker-facing direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeMarket       OrderType = "market"
	TypeLimit        OrderType = "limit"
	TypeStop         OrderType = "stop"
	TypeStopLimit    OrderType = "stop_limit"
	TypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderSubmitted OrderStatus = "submitted"
	// OrderSubmittedUnknown marks a submit whose outcome is ambiguous (timeout
	// mid-call). Reconciliation resolves it against broker truth; it is never
	// retried blindly.
	OrderSubmittedUnknown OrderStatus = "submitted_unknown"
	OrderAccepted         OrderStatus = "accepted"
	OrderPartialFill      OrderStatus = "partial_fill"
	OrderFilled           OrderStatus = "filled"
	OrderCancelled        OrderStatus = "cancelled"
	OrderRejected         OrderStatus = "rejected"
	OrderExpired          OrderStatus = "expired"
	OrderNotFound         OrderStatus = "not_found"
)

// Terminal returns true once an order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderNotFound:
		return true
	}
	return false
}

// Order is a broker order row. Positions never carry broker order ids; all
// order data lives here.
type Order struct {
	ID             string
	CycleID        string
	SecurityID     int64
	PositionID     string // empty until known
	ParentOrderID  string // set on bracket legs
	Class          OrderClass
	Purpose        OrderPurpose
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Qty            float64
	LimitPrice     float64
	StopPrice      float64
	BrokerOrderID  string // unique when present, set at most once
	Status         OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	CreatedAt      time.Time
	SubmittedAt    time.Time
	AcceptedAt     time.Time
	FilledAt       time.Time
	CancelledAt    time.Time
	ExpiredAt      time.Time
	UpdatedAt      time.Time
	Reason         string // rejection/cancel reason
	Metadata       string
}

// Validate enforces the structural order invariants before persistence.
func (o *Order) Validate() error {
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: qty must be > 0, got %v", o.ID, o.Qty)
	}
	if o.FilledQty < 0 || o.FilledQty > o.Qty {
		return fmt.Errorf("order %s: filled_qty %v outside [0, %v]", o.ID, o.FilledQty, o.Qty)
	}
	if o.Purpose.IsBracketLeg() {
		if o.ParentOrderID == "" {
			return fmt.Errorf("order %s: %s leg requires a parent order", o.ID, o.Purpose)
		}
		// DAY legs would expire overnight and orphan the position.
		if o.TimeInForce != TIFGTC {
			return fmt.Errorf("order %s: %s leg must be GTC, got %s", o.ID, o.Purpose, o.TimeInForce)
		}
	}
	switch o.Type {
	case TypeLimit, TypeStopLimit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("order %s: %s order requires limit price", o.ID, o.Type)
		}
	}
	switch o.Type {
	case TypeStop, TypeStopLimit, TypeTrailingStop:
		if o.StopPrice <= 0 {
			return fmt.Errorf("order %s: %s order requires stop price", o.ID, o.Type)
		}
	}
	return nil
}

// PositionSide is the directional exposure of a position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// EntryOrderSide maps a position side to the broker side that opens it.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == Short {
		return SideSell
	}
	return SideBuy
}

// ExitOrderSide maps a position side to the broker side that closes it.
func (s PositionSide) ExitOrderSide() OrderSide {
	return s.EntryOrderSide().Opposite()
}

// CheckSideMapping rejects the inverted side mappings seen in legacy data
// (e.g. a long exit recorded as buy).
func CheckSideMapping(posSide PositionSide, purpose OrderPurpose, orderSide OrderSide) error {
	var want OrderSide
	switch purpose {
	case PurposeEntry:
		want = posSide.EntryOrderSide()
	case PurposeExit, PurposeStopLoss, PurposeTakeProfit:
		want = posSide.ExitOrderSide()
	default:
		return fmt.Errorf("unknown order purpose %q", purpose)
	}
	if orderSide != want {
		return fmt.Errorf("side mapping violation: %s %s must be %s, got %s",
			posSide, purpose, want, orderSide)
	}
	return nil
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionPending   PositionStatus = "pending"
	PositionOpen      PositionStatus = "open"
	PositionClosed    PositionStatus = "closed"
	PositionCancelled PositionStatus = "cancelled"
)

// Terminal returns true once a position can no longer change state.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionCancelled
}

// Position is a held (or intended) exposure. A position is not an order: it
// has exactly one entry order, zero-or-more exit orders, and up to two OCO
// bracket legs, all tracked in the orders table.
type Position struct {
	ID            string
	CycleID       string
	SecurityID    int64
	Symbol        string
	Side          PositionSide
	Qty           float64
	EntryPrice    float64
	EntryTime     time.Time
	ExitPrice     float64
	ExitTime      time.Time
	CurrentPrice  float64
	StopLoss      float64
	TakeProfit    float64
	RiskAmount    float64
	RealizedPnL   float64
	RealizedPct   float64
	UnrealizedPnL float64
	UnrealizedPct float64
	Status        PositionStatus
	Pattern       string
	Catalyst      string
	HighWatermark float64
	EntryVolume   int64
	ExitReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Metadata      string
}

// PnLPercent returns unrealized P&L as a percentage of the entry price.
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == Short {
		pct = -pct
	}
	return pct
}

// ScanStatus marks the disposition of a scan result.
type ScanStatus string

const (
	ScanCandidate ScanStatus = "candidate"
	ScanSelected  ScanStatus = "selected"
	ScanRejected  ScanStatus = "rejected"
)

// ScanResult is one (cycle, security, timestamp) scanner observation.
// Immutable once the scan completes.
type ScanResult struct {
	ID             string
	CycleID        string
	SecurityID     int64
	Symbol         string
	ScanTS         time.Time
	Rank           int
	Price          float64
	Volume         int64
	GapPct         float64
	RelVolume      float64
	Float          int64
	CatalystScore  float64
	PatternScore   float64
	TechnicalScore float64
	CompositeScore float64
	Status         ScanStatus
	Metadata       string
}

// Candidate is a scan result enriched through the filter stages and carried
// into risk validation and execution.
type Candidate struct {
	Symbol         string
	SecurityID     int64
	Side           PositionSide
	Qty            float64
	EntryPrice     float64
	StopLoss       float64
	TakeProfit     float64
	RiskAmount     float64
	Volume         int64
	RelVolume      float64
	GapPct         float64
	CatalystScore  float64
	PatternScore   float64
	TechnicalScore float64
	MomentumScore  float64
	VolumeScore    float64
	Composite      float64
	Pattern        string
	Catalyst       string
	Sector         string
}

// Severity classifies alerts and risk events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RiskEvent is an append-only record of a limit breach, validation failure,
// or emergency stop.
type RiskEvent struct {
	ID         string
	CycleID    string // optional
	PositionID string // optional
	Type       string
	Severity   Severity
	Message    string
	Details    string
	Resolved   bool
	CreatedAt  time.Time
}

// WatchdogDecision is the action category chosen for a detected issue.
type WatchdogDecision string

const (
	DecisionAutoFix  WatchdogDecision = "auto_fix"
	DecisionEscalate WatchdogDecision = "escalate"
	DecisionMonitor  WatchdogDecision = "monitor"
	DecisionNoAction WatchdogDecision = "no_action"
	DecisionDefer    WatchdogDecision = "defer"
)

// WatchdogActivity is one observe/decide/act tuple from a reconciliation run.
type WatchdogActivity struct {
	ID              string
	LoggedAt        time.Time
	Session         string
	CycleID         string
	ObservationType string
	IssuesSummary   string
	Decision        WatchdogDecision
	ActionType      string
	ActionDetail    string
	ActionResult    string
	IssueType       string
	IssueSeverity   Severity
	DurationMS      int64
	Metadata        string
}

// WatchdogRule is the per-issue-kind auto-fix policy.
type WatchdogRule struct {
	ID                 int64
	IssueType          string
	AutoFixEnabled     bool
	FixTemplate        string
	MaxFixesPerHour    int
	CooldownMinutes    int
	EscalationPriority int
	Active             bool
}

// MonitorState is the run state of the per-position monitor.
type MonitorState string

const (
	MonitorPending  MonitorState = "pending"
	MonitorStarting MonitorState = "starting"
	MonitorRunning  MonitorState = "running"
	MonitorSleeping MonitorState = "sleeping"
	MonitorStopped  MonitorState = "stopped"
	MonitorError    MonitorState = "error"
)

// Recommendation is the monitor's verdict for an open position.
type Recommendation string

const (
	RecommendHold   Recommendation = "HOLD"
	RecommendExit   Recommendation = "EXIT"
	RecommendReview Recommendation = "REVIEW"
)

// MonitorStatus is the per-position monitor status row, upserted each tick.
type MonitorStatus struct {
	ID             int64
	PositionID     string
	Symbol         string
	State          MonitorState
	LastPrice      float64
	HighWatermark  float64
	PnLPct         float64
	RSI            float64
	MACDHist       float64
	AboveVWAP      bool
	HoldSignals    []string
	ExitSignals    []string
	Recommendation Recommendation
	AdvisorCalls   int
	EstimatedCost  float64
	LastCheckin    time.Time
}

// Security is the instrument dimension row, unique by upper-cased symbol.
type Security struct {
	ID        int64
	Symbol    string
	Name      string
	SectorID  int64
	Exchange  string
	AssetType string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sector is static reference data.
type Sector struct {
	ID   int64
	Code string
	Name string
}

// TimeKey is the time dimension row, unique by timestamp.
type TimeKey struct {
	ID          int64
	TS          time.Time
	Date        string
	Time        string
	Hour        int
	Minute      int
	DOW         int
	MarketHours bool
	MarketPhase string
}
