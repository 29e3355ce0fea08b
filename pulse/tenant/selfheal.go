package tenant

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// HealReport counts what one self-heal pass changed.
type HealReport struct {
	Checked   int `json:"checked"`
	Created   int `json:"created"`   // registry mappings added for local installations
	Repointed int `json:"repointed"` // mappings of this org fixed to the local installation id
	Removed   int `json:"removed"`   // local installations now owned by another tenant
}

type localInstallation struct {
	id         string
	externalID string
	provider   string
}

// healer reconciles a tenant-org's installations against the registry.
type healer struct {
	registry Registry
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
}

func (hl *healer) wait(ctx context.Context) error {
	return errors.Wrap(hl.limiter.Wait(ctx), "registry rate limit")
}

// run never stops at the first failure; per-installation errors are combined.
func (hl *healer) run(ctx context.Context, key Key, h *db.Handle) (HealReport, error) {
	var report HealReport
	local, err := listInstallations(ctx, h, key.OrgID)
	if err != nil {
		return report, err
	}

	var errs error
	for _, inst := range local {
		report.Checked++
		if err := hl.reconcile(ctx, key, h, inst, &report); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "installation %s/%s", inst.provider, inst.externalID))
		}
	}
	return report, errs
}

func (hl *healer) reconcile(ctx context.Context, key Key, h *db.Handle, inst localInstallation, report *HealReport) error {
	if err := hl.wait(ctx); err != nil {
		return err
	}
	mapping, err := hl.registry.FindInstallationMapping(ctx, inst.provider, inst.externalID)
	if err != nil {
		return err
	}

	want := InstallationMapping{
		Provider:       inst.provider,
		ExternalID:     inst.externalID,
		TenantID:       key.TenantID,
		OrgID:          key.OrgID,
		InstallationID: inst.id,
	}
	switch {
	case mapping == nil:
		if err := hl.wait(ctx); err != nil {
			return err
		}
		if err := hl.registry.CreateInstallationMapping(ctx, want); err != nil {
			return err
		}
		report.Created++
		hl.logger.Infow("Registered missing installation mapping", "provider", inst.provider, "external_id", inst.externalID)

	case mapping.TenantID != key.TenantID:
		if err := removeInstallation(ctx, h, inst.id); err != nil {
			return err
		}
		report.Removed++
		hl.logger.Infow("Removed installation owned by another tenant",
			"provider", inst.provider, "external_id", inst.externalID, "owner", mapping.TenantID)

	case mapping.OrgID == key.OrgID && mapping.InstallationID != inst.id:
		if err := hl.wait(ctx); err != nil {
			return err
		}
		err := hl.registry.UpdateInstallationMapping(ctx, want)
		if errors.IsNotFoundError(err) {
			// removed since the lookup
			if err := hl.wait(ctx); err != nil {
				return err
			}
			err = hl.registry.CreateInstallationMapping(ctx, want)
		}
		if err != nil {
			return err
		}
		report.Repointed++
		hl.logger.Infow("Repointed installation mapping", "provider", inst.provider, "external_id", inst.externalID,
			"from", mapping.InstallationID, "to", inst.id)
	}
	return nil
}

func listInstallations(ctx context.Context, h *db.Handle, orgID string) ([]localInstallation, error) {
	rows, err := h.QueryContext(ctx,
		`SELECT id, external_id, provider FROM installations WHERE org_id = ? ORDER BY created_at`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list installations")
	}
	defer rows.Close()

	var out []localInstallation
	for rows.Next() {
		var inst localInstallation
		if err := rows.Scan(&inst.id, &inst.externalID, &inst.provider); err != nil {
			return nil, errors.Wrap(err, "failed to scan installation")
		}
		out = append(out, inst)
	}
	return out, errors.Wrap(rows.Err(), "failed to list installations")
}

func removeInstallation(ctx context.Context, h *db.Handle, id string) error {
	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, h.Rebind(`DELETE FROM integrations WHERE installation_id = ?`), id); err != nil {
		return errors.Wrapf(err, "failed to delete integrations of %s", id)
	}
	if _, err := tx.ExecContext(ctx, h.Rebind(`DELETE FROM installations WHERE id = ?`), id); err != nil {
		return errors.Wrapf(err, "failed to delete installation %s", id)
	}
	return errors.Wrap(tx.Commit(), "failed to commit installation removal")
}

// selfHeal runs the pass and logs the outcome; it never fails the caller.
func (m *Manager) selfHeal(ctx context.Context, key Key, h *db.Handle) {
	log := logger.ForTenant(m.logger, key.TenantID, key.OrgID)
	hl := &healer{registry: m.registry, limiter: m.registryLimiter, logger: log}
	report, err := hl.run(ctx, key, h)
	if err != nil {
		log.Warnw("Self-heal pass incomplete", logger.FieldError, err,
			"checked", report.Checked, "created", report.Created, "removed", report.Removed)
		return
	}
	if report.Created+report.Removed+report.Repointed > 0 {
		log.Infow("Self-heal pass repaired installations",
			"checked", report.Checked, "created", report.Created,
			"repointed", report.Repointed, "removed", report.Removed)
	}
}
