package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// RotationReport counts the integrations a key rotation looked at. Skipped
// integrations had their secrets rewritten by someone else during the run and
// are picked up by the next one.
type RotationReport struct {
	Scanned int
	Rotated int
	Current int
	Skipped int
	Failed  int
}

type rotation int

const (
	rotationCurrent rotation = iota
	rotationDone
	rotationSkipped
)

// RotateSecrets re-encrypts every stored secret that is not under the primary
// key version. Each write only lands if the secret still holds the value that
// was read, so a token refresh during the run is never overwritten. An
// integration whose secrets cannot be decrypted is counted as failed and left
// untouched. With dryRun nothing is written.
func RotateSecrets(ctx context.Context, pool *pgxpool.Pool, vault *crypto.Vault, dryRun bool, logger *zap.Logger) (*RotationReport, error) {
	integrations, err := db.ListIntegrationsWithSecrets(ctx, pool)
	if err != nil {
		return nil, err
	}

	report := &RotationReport{Scanned: len(integrations)}
	for _, integ := range integrations {
		outcome, err := rotateIntegration(ctx, pool, vault, integ, dryRun)
		switch {
		case err != nil:
			report.Failed++
			logger.Warn("failed to rotate secrets",
				zap.String("integration_id", integ.ID),
				zap.String("provider", string(integ.Provider)),
				zap.Error(err),
			)
		case outcome == rotationSkipped:
			report.Skipped++
			logger.Info("secrets changed during rotation, skipped",
				zap.String("integration_id", integ.ID),
			)
		case outcome == rotationDone:
			report.Rotated++
		default:
			report.Current++
		}
	}
	return report, nil
}

func rotateIntegration(ctx context.Context, pool *pgxpool.Pool, vault *crypto.Vault, integ *models.Integration, dryRun bool) (rotation, error) {
	read := models.Credentials{
		EncryptedAccessToken:  integ.EncryptedAccessToken,
		EncryptedRefreshToken: integ.EncryptedRefreshToken,
	}
	next := read

	tokensChanged := false
	for _, secret := range []*string{&next.EncryptedAccessToken, &next.EncryptedRefreshToken} {
		if *secret == "" {
			continue
		}
		rotated, changed, err := vault.Rotate(*secret)
		if err != nil {
			return rotationCurrent, err
		}
		*secret = rotated
		tokensChanged = tokensChanged || changed
	}

	var oldPassword, password string
	passwordChanged := false
	if integ.Relay != nil && integ.Relay.EncryptedPassword != "" {
		oldPassword = integ.Relay.EncryptedPassword
		rotated, changed, err := vault.Rotate(oldPassword)
		if err != nil {
			return rotationCurrent, err
		}
		password, passwordChanged = rotated, changed
	}

	if !tokensChanged && !passwordChanged {
		return rotationCurrent, nil
	}
	if dryRun {
		return rotationDone, nil
	}

	outcome := rotationDone
	if tokensChanged {
		swapped, err := db.SwapIntegrationTokens(ctx, pool, integ.ID, read, next)
		if err != nil {
			return rotationCurrent, err
		}
		if !swapped {
			outcome = rotationSkipped
		}
	}
	if passwordChanged {
		swapped, err := db.SwapRelayPassword(ctx, pool, integ.ID, oldPassword, password)
		if err != nil {
			return rotationCurrent, err
		}
		if !swapped {
			outcome = rotationSkipped
		}
	}
	return outcome, nil
}
