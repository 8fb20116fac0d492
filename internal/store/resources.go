package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func insertDomain(ctx context.Context, tx *sqlx.Tx, customerID int64, d *models.DomainRecord) (*int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO domains (customer_id, domain_name, tld, status, is_transfer, expiry_date, privacy_enabled, registrar_id, transfer_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		customerID, d.DomainName, d.TLD, d.Status, d.IsTransfer, d.ExpiryDate, d.Privacy, d.RegistrarID, d.TransferState)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	d.ID, d.CustomerID = id, customerID
	return &id, nil
}

func insertHosting(ctx context.Context, tx *sqlx.Tx, customerID int64, h *models.HostingAccount) (*int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO hosting_accounts (customer_id, plan_id, site_name, primary_domain, status, site_id, sftp_host, sftp_username, admin_username)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		customerID, h.PlanID, h.SiteName, h.PrimaryDomain, h.Status, h.SiteID, h.SFTPHost, h.SFTPUsername, h.AdminUsername)
	if err != nil {
		return nil, fmt.Errorf("failed to create hosting account: %w", err)
	}
	h.ID, h.CustomerID = id, customerID
	return &id, nil
}

func insertSecurity(ctx context.Context, tx *sqlx.Tx, customerID int64, sa *models.SecurityAccount) (*int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO security_accounts (customer_id, domain, plan_slug, account_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		customerID, sa.Domain, sa.PlanSlug, sa.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to create security account: %w", err)
	}
	sa.ID, sa.CustomerID = id, customerID
	return &id, nil
}
