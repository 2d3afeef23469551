package outbound

const (
	queryInsertProxy = `
		INSERT INTO outbound_proxies (scheme, host, port, username, password, ordering, created_at)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(ordering), 0) + 1 FROM outbound_proxies),
			?)`

	queryDeleteProxy = `DELETE FROM outbound_proxies WHERE id = ?`

	queryGetProxy = `SELECT * FROM outbound_proxies WHERE id = ?`

	queryListProxies = `SELECT * FROM outbound_proxies ORDER BY ordering ASC, id ASC`

	queryGetEnabled = `SELECT enabled FROM proxy_state WHERE id = 1`

	querySetEnabled = `UPDATE proxy_state SET enabled = ? WHERE id = 1`

	queryGetPin = `SELECT pinned_proxy_id, pin_expires_at FROM proxy_state WHERE id = 1`

	querySetPin = `
		UPDATE proxy_state
		SET pinned_proxy_id = ?, pin_expires_at = ?
		WHERE id = 1`

	queryClearPin = `
		UPDATE proxy_state
		SET pinned_proxy_id = NULL, pin_expires_at = NULL
		WHERE id = 1`

	queryClearPinFor = `
		UPDATE proxy_state
		SET pinned_proxy_id = NULL, pin_expires_at = NULL
		WHERE id = 1 AND pinned_proxy_id = ?`

	queryRecordVerification = `
		UPDATE outbound_proxies
		SET verified = ?, public_ip = ?, location = ?, latency_ms = ?, verified_at = ?
		WHERE id = ?`
)
