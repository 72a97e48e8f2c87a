package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-simulator/internal/device"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// ========== Session Methods ==========

const sessionColumns = `
    dev_eui, name, mode, state, join_eui, dev_addr, nwk_s_key, app_s_key,
    f_cnt_up, f_cnt_down, down_seen, dev_nonce, dr, tx_power, nb_trans, rx1_delay,
    rx1_dr_offset, rx2_dr, rx2_freq, battery, last_snr, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*device.Session, error) {
	s := &device.Session{}
	var devEUI, joinEUI, devAddr, nwkSKey, appSKey []byte
	var mode string

	err := row.Scan(
		&devEUI, &s.Name, &mode, &s.State, &joinEUI, &devAddr, &nwkSKey, &appSKey,
		&s.FCntUp, &s.FCntDown, &s.DownlinkSeen, &s.DevNonce, &s.DataRate, &s.TXPower, &s.NbTrans, &s.RX1Delay,
		&s.RX1DROffset, &s.RX2DataRate, &s.RX2Frequency, &s.Battery, &s.LastSNR, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(devEUI) != len(s.DevEUI) || len(joinEUI) != len(s.JoinEUI) || len(devAddr) != len(s.DevAddr) ||
		len(nwkSKey) != len(s.NwkSKey) || len(appSKey) != len(s.AppSKey) {
		return nil, fmt.Errorf("%w: identifier length", ErrInvalidData)
	}

	s.Mode = device.ActivationMode(mode)
	copy(s.DevEUI[:], devEUI)
	copy(s.JoinEUI[:], joinEUI)
	copy(s.DevAddr[:], devAddr)
	copy(s.NwkSKey[:], nwkSKey)
	copy(s.AppSKey[:], appSKey)
	return s, nil
}

// GetSession gets the session of a device
func (s *PostgresStore) GetSession(ctx context.Context, devEUI lorawan.EUI64) (*device.Session, error) {
	query := `SELECT` + sessionColumns + `
        FROM simulator_sessions
        WHERE dev_eui = $1`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, devEUI[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SaveSession inserts or updates the session of a device
func (s *PostgresStore) SaveSession(ctx context.Context, session *device.Session) error {
	if session == nil {
		return ErrInvalidData
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO simulator_sessions (` + sessionColumns + `
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
            $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
        )
        ON CONFLICT (dev_eui) DO UPDATE SET
            name = EXCLUDED.name,
            mode = EXCLUDED.mode,
            state = EXCLUDED.state,
            join_eui = EXCLUDED.join_eui,
            dev_addr = EXCLUDED.dev_addr,
            nwk_s_key = EXCLUDED.nwk_s_key,
            app_s_key = EXCLUDED.app_s_key,
            f_cnt_up = EXCLUDED.f_cnt_up,
            f_cnt_down = EXCLUDED.f_cnt_down,
            down_seen = EXCLUDED.down_seen,
            dev_nonce = EXCLUDED.dev_nonce,
            dr = EXCLUDED.dr,
            tx_power = EXCLUDED.tx_power,
            nb_trans = EXCLUDED.nb_trans,
            rx1_delay = EXCLUDED.rx1_delay,
            rx1_dr_offset = EXCLUDED.rx1_dr_offset,
            rx2_dr = EXCLUDED.rx2_dr,
            rx2_freq = EXCLUDED.rx2_freq,
            battery = EXCLUDED.battery,
            last_snr = EXCLUDED.last_snr,
            updated_at = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		session.DevEUI[:], session.Name, string(session.Mode), session.State,
		session.JoinEUI[:], session.DevAddr[:], session.NwkSKey[:], session.AppSKey[:],
		int64(session.FCntUp), int64(session.FCntDown), session.DownlinkSeen, int(session.DevNonce),
		session.DataRate, session.TXPower, session.NbTrans, int(session.RX1Delay),
		int(session.RX1DROffset), int(session.RX2DataRate), int64(session.RX2Frequency),
		int(session.Battery), session.LastSNR, session.UpdatedAt,
	)
	return err
}

// DeleteSession deletes the session of a device
func (s *PostgresStore) DeleteSession(ctx context.Context, devEUI lorawan.EUI64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM simulator_sessions WHERE dev_eui = $1", devEUI[:])
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListSessions returns all sessions ordered by DevEUI
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*device.Session, error) {
	query := `SELECT` + sessionColumns + `
        FROM simulator_sessions
        ORDER BY dev_eui`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*device.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}
