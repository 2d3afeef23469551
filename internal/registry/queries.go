package registry

// SQL statements for the credentials and usage_log tables. Kept together so
// schema changes are reviewed in one place.
const (
	queryInsertCredential = `
		INSERT INTO credentials (secret, status, available, call_count, error_count, created_at)
		VALUES (?, 'active', 1, 0, 0, ?)`

	queryDeleteCredential = `DELETE FROM credentials WHERE id = ?`

	queryGetCredential = `SELECT * FROM credentials WHERE id = ?`

	queryListCredentials = `SELECT * FROM credentials ORDER BY created_at ASC, id ASC`

	queryListAvailable = `
		SELECT * FROM credentials
		WHERE available = 1
		ORDER BY created_at ASC, id ASC`

	queryExportSecrets = `SELECT secret FROM credentials ORDER BY created_at ASC, id ASC`

	querySetStatusWithError = `
		UPDATE credentials
		SET status = ?, error_count = error_count + 1, last_error = ?
		WHERE id = ?`

	querySetStatusClearError = `
		UPDATE credentials
		SET status = ?, error_count = 0, last_error = NULL
		WHERE id = ?`

	querySetBalance = `
		UPDATE credentials
		SET balance = ?, balance_checked_at = ?
		WHERE id = ?`

	querySetAvailability = `UPDATE credentials SET available = ? WHERE id = ?`

	queryIncrementCalls = `
		UPDATE credentials
		SET call_count = call_count + 1, last_used_at = ?
		WHERE id = ?
		RETURNING call_count`

	queryInsertUsage = `
		INSERT INTO usage_log (credential_id, created_at, success, detail)
		VALUES (?, ?, ?, ?)`

	queryRecentUsage = `
		SELECT * FROM usage_log
		WHERE credential_id = ?
		ORDER BY id DESC
		LIMIT ?`
)
