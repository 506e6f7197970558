package storage

// Timestamps are unix milliseconds; 0 means "never".
const schema = `
-- A deck is a local directory or a git repository of markdown cards.
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    path TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK (kind IN ('local', 'git')),
    last_synced INTEGER NOT NULL DEFAULT 0
);

-- Card ids are derived from the deck id and the card's normalized text.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL REFERENCES decks(id) ON DELETE CASCADE,
    question TEXT NOT NULL,
    answer TEXT NOT NULL DEFAULT '',
    context TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_deck ON cards(deck_id, position);

CREATE TABLE IF NOT EXISTS classes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS class_members (
    class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL,
    PRIMARY KEY (class_id, student_id)
);
CREATE INDEX IF NOT EXISTS idx_class_members_student ON class_members(student_id);

-- An assignment targets exactly one of a class or a single student.
CREATE TABLE IF NOT EXISTS deck_assignments (
    id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL REFERENCES decks(id) ON DELETE CASCADE,
    class_id TEXT REFERENCES classes(id) ON DELETE CASCADE,
    student_id TEXT,
    assigned_at INTEGER NOT NULL,
    CHECK ((class_id IS NULL) <> (student_id IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_class ON deck_assignments(deck_id, class_id) WHERE class_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_student ON deck_assignments(deck_id, student_id) WHERE student_id IS NOT NULL;

-- One row per (student, card); version guards conditional writes.
CREATE TABLE IF NOT EXISTS review_states (
    student_id TEXT NOT NULL,
    card_id TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
    deck_id TEXT NOT NULL,
    repetitions INTEGER NOT NULL CHECK (repetitions >= 0),
    lapses INTEGER NOT NULL DEFAULT 0,
    stability REAL NOT NULL,
    difficulty REAL NOT NULL,
    last_rating INTEGER NOT NULL CHECK (last_rating BETWEEN 0 AND 3),
    scheduled_at INTEGER NOT NULL,
    reviewed_at INTEGER NOT NULL,
    next_due_at INTEGER NOT NULL CHECK (next_due_at >= reviewed_at),
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL,
    PRIMARY KEY (student_id, card_id)
);
CREATE INDEX IF NOT EXISTS idx_review_states_due ON review_states(student_id, next_due_at);

CREATE TABLE IF NOT EXISTS review_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id TEXT NOT NULL,
    card_id TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
    rating INTEGER NOT NULL CHECK (rating BETWEEN 0 AND 3),
    reviewed_at INTEGER NOT NULL,
    elapsed_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_review_logs_card ON review_logs(student_id, card_id, reviewed_at);
`
