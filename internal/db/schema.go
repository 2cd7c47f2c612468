package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS title ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS premise ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS genre ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS audience ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS unit_count ON job TYPE int;
    DEFINE FIELD IF NOT EXISTS sub_units_per_unit ON job TYPE int;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string
        ASSERT $value IN ["created", "processing", "generating", "completed", "error", "paused"];
    DEFINE FIELD IF NOT EXISTS repo_owner ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS repo_name ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status;

    -- ==========================================================================
    -- PROGRESS TABLE (step ledger)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS progress SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON progress TYPE string;
    DEFINE FIELD IF NOT EXISTS step ON progress TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON progress TYPE string
        ASSERT $value IN ["started", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS started_at ON progress TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed_at ON progress TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS error ON progress TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS metadata ON progress TYPE option<object> FLEXIBLE;

    DEFINE INDEX IF NOT EXISTS progress_job ON progress FIELDS job_id, started_at;

    -- ==========================================================================
    -- STRUCTURE TABLES
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS unit SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON unit TYPE string;
    DEFINE FIELD IF NOT EXISTS ordinal ON unit TYPE int;
    DEFINE FIELD IF NOT EXISTS title ON unit TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON unit TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS unit_job ON unit FIELDS job_id, ordinal UNIQUE;

    DEFINE TABLE IF NOT EXISTS sub_unit SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON sub_unit TYPE string;
    DEFINE FIELD IF NOT EXISTS unit_ordinal ON sub_unit TYPE int;
    DEFINE FIELD IF NOT EXISTS ordinal ON sub_unit TYPE int;
    DEFINE FIELD IF NOT EXISTS title ON sub_unit TYPE string;
    DEFINE FIELD IF NOT EXISTS draft_path ON sub_unit TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS summary_path ON sub_unit TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON sub_unit TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS sub_unit_job ON sub_unit FIELDS job_id, unit_ordinal, ordinal UNIQUE;

    -- ==========================================================================
    -- ENTITY MENTION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS entity_mention SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON entity_mention TYPE string;
    DEFINE FIELD IF NOT EXISTS sub_unit_id ON entity_mention TYPE string;
    DEFINE FIELD IF NOT EXISTS category ON entity_mention TYPE string
        ASSERT $value IN ["person", "organization", "place", "role", "domain_type"];
    DEFINE FIELD IF NOT EXISTS value ON entity_mention TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON entity_mention TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS entity_mention_job ON entity_mention FIELDS job_id, category;
    DEFINE INDEX IF NOT EXISTS entity_mention_sub_unit ON entity_mention FIELDS sub_unit_id;

    -- ==========================================================================
    -- JOB LOG TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job_log SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON job_log TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS level ON job_log TYPE string;
    DEFINE FIELD IF NOT EXISTS message ON job_log TYPE string;
    DEFINE FIELD IF NOT EXISTS step ON job_log TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS details ON job_log TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS timestamp ON job_log TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS job_log_job ON job_log FIELDS job_id, timestamp;
`
