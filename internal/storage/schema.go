package storage

// schemaDDL creates every table the platform persists. Constraints encode
// the hard invariants: unique symbol, unique broker_order_id, unique cycle
// date, qty checks, and the unique (cycle, security, scan_ts) scan grain.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sectors (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    code       TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS securities (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol     TEXT NOT NULL UNIQUE,
    name       TEXT NOT NULL DEFAULT '',
    sector_id  INTEGER REFERENCES sectors(id),
    exchange   TEXT NOT NULL DEFAULT '',
    asset_type TEXT NOT NULL DEFAULT 'us_equity',
    active     INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS time_dimension (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    ts                TEXT NOT NULL UNIQUE,
    date              TEXT NOT NULL,
    time              TEXT NOT NULL,
    hour              INTEGER NOT NULL,
    minute            INTEGER NOT NULL,
    dow               INTEGER NOT NULL,
    market_hours_flag INTEGER NOT NULL,
    market_phase      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trading_cycles (
    id              TEXT PRIMARY KEY,
    date            TEXT NOT NULL UNIQUE,
    state           TEXT NOT NULL,
    mode            TEXT NOT NULL,
    config          TEXT NOT NULL DEFAULT '',
    started_at      TEXT,
    stopped_at      TEXT,
    trades_executed INTEGER NOT NULL DEFAULT 0,
    trades_won      INTEGER NOT NULL DEFAULT 0,
    trades_lost     INTEGER NOT NULL DEFAULT 0,
    daily_pnl       REAL NOT NULL DEFAULT 0,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id             TEXT PRIMARY KEY,
    cycle_id       TEXT NOT NULL REFERENCES trading_cycles(id),
    security_id    INTEGER NOT NULL REFERENCES securities(id),
    symbol         TEXT NOT NULL,
    side           TEXT NOT NULL,
    qty            REAL NOT NULL CHECK (qty >= 0),
    entry_price    REAL NOT NULL DEFAULT 0,
    entry_time     TEXT,
    exit_price     REAL NOT NULL DEFAULT 0,
    exit_time      TEXT,
    current_price  REAL NOT NULL DEFAULT 0,
    stop_loss      REAL NOT NULL DEFAULT 0,
    take_profit    REAL NOT NULL DEFAULT 0,
    risk_amount    REAL NOT NULL DEFAULT 0,
    realized_pnl   REAL NOT NULL DEFAULT 0,
    realized_pct   REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    unrealized_pct REAL NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    pattern        TEXT NOT NULL DEFAULT '',
    catalyst       TEXT NOT NULL DEFAULT '',
    high_watermark REAL NOT NULL DEFAULT 0,
    entry_volume   INTEGER NOT NULL DEFAULT 0,
    exit_reason    TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    metadata       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_positions_cycle_status ON positions(cycle_id, status);

CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    cycle_id         TEXT NOT NULL REFERENCES trading_cycles(id),
    security_id      INTEGER NOT NULL REFERENCES securities(id),
    position_id      TEXT REFERENCES positions(id),
    parent_order_id  TEXT REFERENCES orders(id),
    order_class      TEXT NOT NULL,
    order_purpose    TEXT NOT NULL,
    side             TEXT NOT NULL,
    order_type       TEXT NOT NULL,
    time_in_force    TEXT NOT NULL,
    qty              REAL NOT NULL CHECK (qty > 0),
    limit_price      REAL NOT NULL DEFAULT 0,
    stop_price       REAL NOT NULL DEFAULT 0,
    broker_order_id  TEXT UNIQUE,
    status           TEXT NOT NULL,
    filled_qty       REAL NOT NULL DEFAULT 0 CHECK (filled_qty >= 0 AND filled_qty <= qty),
    filled_avg_price REAL NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    submitted_at     TEXT,
    accepted_at      TEXT,
    filled_at        TEXT,
    cancelled_at     TEXT,
    expired_at       TEXT,
    updated_at       TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    metadata         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS scan_results (
    id              TEXT PRIMARY KEY,
    cycle_id        TEXT NOT NULL REFERENCES trading_cycles(id),
    security_id     INTEGER NOT NULL REFERENCES securities(id),
    symbol          TEXT NOT NULL,
    scan_ts         TEXT NOT NULL,
    rank            INTEGER NOT NULL DEFAULT 0,
    price           REAL NOT NULL DEFAULT 0,
    volume          INTEGER NOT NULL DEFAULT 0,
    gap_pct         REAL NOT NULL DEFAULT 0,
    rel_volume      REAL NOT NULL DEFAULT 0,
    float_shares    INTEGER NOT NULL DEFAULT 0,
    catalyst_score  REAL NOT NULL DEFAULT 0,
    pattern_score   REAL NOT NULL DEFAULT 0,
    technical_score REAL NOT NULL DEFAULT 0,
    composite_score REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    metadata        TEXT NOT NULL DEFAULT '',
    UNIQUE (cycle_id, security_id, scan_ts)
);

CREATE TABLE IF NOT EXISTS risk_events (
    id          TEXT PRIMARY KEY,
    cycle_id    TEXT REFERENCES trading_cycles(id),
    position_id TEXT REFERENCES positions(id),
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL,
    message     TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '',
    resolved    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchdog_activity (
    id               TEXT PRIMARY KEY,
    logged_at        TEXT NOT NULL,
    session          TEXT NOT NULL,
    cycle_id         TEXT,
    observation_type TEXT NOT NULL,
    issues_summary   TEXT NOT NULL DEFAULT '',
    decision         TEXT NOT NULL,
    action_type      TEXT NOT NULL DEFAULT '',
    action_detail    TEXT NOT NULL DEFAULT '',
    action_result    TEXT NOT NULL DEFAULT '',
    issue_type       TEXT NOT NULL DEFAULT '',
    issue_severity   TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER NOT NULL DEFAULT 0,
    metadata         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS watchdog_rules (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_type          TEXT NOT NULL UNIQUE,
    auto_fix_enabled    INTEGER NOT NULL DEFAULT 0,
    fix_template        TEXT NOT NULL DEFAULT '',
    max_fixes_per_hour  INTEGER NOT NULL DEFAULT 10,
    cooldown_minutes    INTEGER NOT NULL DEFAULT 5,
    escalation_priority INTEGER NOT NULL DEFAULT 0,
    active              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS position_monitor_status (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id    TEXT NOT NULL UNIQUE REFERENCES positions(id),
    symbol         TEXT NOT NULL,
    status         TEXT NOT NULL,
    last_price     REAL NOT NULL DEFAULT 0,
    high_watermark REAL NOT NULL DEFAULT 0,
    pnl_pct        REAL NOT NULL DEFAULT 0,
    rsi            REAL NOT NULL DEFAULT 0,
    macd_hist      REAL NOT NULL DEFAULT 0,
    above_vwap     INTEGER NOT NULL DEFAULT 0,
    hold_signals   TEXT NOT NULL DEFAULT '[]',
    exit_signals   TEXT NOT NULL DEFAULT '[]',
    recommendation TEXT NOT NULL DEFAULT 'HOLD',
    advisor_calls  INTEGER NOT NULL DEFAULT 0,
    estimated_cost REAL NOT NULL DEFAULT 0,
    last_checkin   TEXT NOT NULL
);
`

// requiredTables must all exist with their unique constraints before the
// service starts. Schema mismatches are never swallowed.
var requiredTables = []string{
	"sectors",
	"securities",
	"time_dimension",
	"trading_cycles",
	"positions",
	"orders",
	"scan_results",
	"risk_events",
	"watchdog_activity",
	"watchdog_rules",
	"position_monitor_status",
}

// requiredUniqueIndexes maps table -> column that must be covered by a
// unique constraint for the get-or-create helpers and broker id invariants
// to hold under race.
var requiredUniqueIndexes = map[string]string{
	"securities":     "symbol",
	"time_dimension": "ts",
	"trading_cycles": "date",
	"orders":         "broker_order_id",
}
