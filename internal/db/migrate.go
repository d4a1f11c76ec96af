/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/KTH-EXPECA/blazar/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
// cleaningTime is baked into the postgres overlap guard so conflicting
// allocations are refused even across processes.
func Migrate(database *gorm.DB, cleaningTime time.Duration) error {
	if err := database.AutoMigrate(
		&models.Lease{},
		&models.Reservation{},
		&models.Allocation{},
		&models.Resource{},
		&models.ExtraCapability{},
		&models.Event{},
	); err != nil {
		return err
	}

	return applyPostgresAllocationOverlapGuard(database, cleaningTime)
}

// applyPostgresAllocationOverlapGuard installs a trigger refusing an
// allocation whose lease window, padded by the cleaning margin, collides
// with another allocation on the same resource. The application check
// in the matcher covers single-process use; the trigger is the backstop
// when several instances share the database.
func applyPostgresAllocationOverlapGuard(database *gorm.DB, cleaningTime time.Duration) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	marginMinutes := int(cleaningTime / time.Minute)
	stmt := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION prevent_allocation_overlap()
RETURNS trigger
LANGUAGE plpgsql
AS $$
DECLARE
  new_start timestamptz;
  new_end   timestamptz;
BEGIN
  SELECT l.start_date, l.end_date
    INTO new_start, new_end
    FROM reservations r
    JOIN leases l ON l.id = r.lease_id
   WHERE r.id = NEW.reservation_id
     AND r.deleted_at IS NULL
     AND l.deleted_at IS NULL;

  IF new_start IS NULL THEN
    RETURN NEW;
  END IF;

  IF EXISTS (
    SELECT 1
      FROM allocations a
      JOIN reservations r2 ON r2.id = a.reservation_id AND r2.deleted_at IS NULL
      JOIN leases l2 ON l2.id = r2.lease_id AND l2.deleted_at IS NULL
     WHERE a.resource_id = NEW.resource_id
       AND a.id <> NEW.id
       AND a.deleted_at IS NULL
       AND tstzrange(l2.start_date - interval '%d minutes',
                     l2.end_date + interval '%d minutes', '[)')
           && tstzrange(new_start, new_end, '[)')
  ) THEN
    RAISE EXCEPTION 'conflicting allocation on resource %%', NEW.resource_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_allocation_overlap ON allocations;

CREATE TRIGGER trg_prevent_allocation_overlap
BEFORE INSERT OR UPDATE OF resource_id, reservation_id
ON allocations
FOR EACH ROW
EXECUTE FUNCTION prevent_allocation_overlap();
`, marginMinutes, marginMinutes)

	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres allocation overlap guard: %w", err)
	}
	return nil
}
