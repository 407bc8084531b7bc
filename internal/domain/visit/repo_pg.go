package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/encounter/internal/platform/db"
)

// AppointmentStatusCompleted is the status an appointment gets when its
// visit is completed.
const AppointmentStatusCompleted = 5

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const visitCols = `id, patient_id, user_id, store_id, appointment_id, visit_type_id, type_name, date,
	locked, pre_custom_exam_ids, custom_exam_ids,
	medical_data_privilege, pretest_privilege, final_rx_privilege, fitting_privilege,
	signed_date, locked_on, last_update_on, last_update_by,
	version_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == "" {
		v.ID = "visit-" + uuid.New().String()
	}
	if v.PreCustomExamIDs == nil {
		v.PreCustomExamIDs = []string{}
	}
	if v.CustomExamIDs == nil {
		v.CustomExamIDs = []string{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit (
			id, patient_id, user_id, store_id, appointment_id, visit_type_id, type_name, date,
			locked, pre_custom_exam_ids, custom_exam_ids,
			medical_data_privilege, pretest_privilege, final_rx_privilege, fitting_privilege
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		v.ID, v.PatientID, nullIfEmpty(v.UserID), v.StoreID, v.AppointmentID, nullIfEmpty(v.VisitTypeID), v.TypeName, v.Date,
		v.Locked, v.PreCustomExamIDs, v.CustomExamIDs,
		v.Privileges.MedicalData, v.Privileges.Pretest, v.Privileges.FinalRx, v.Privileges.Fitting,
	)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	v.VersionID = 1
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, v Visit) (Visit, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE visit SET
			user_id=$3, visit_type_id=$4, type_name=$5, locked=$6, locked_on=$7,
			last_update_on=NOW(), last_update_by=$8,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING `+visitCols,
		v.ID, v.VersionID, nullIfEmpty(v.UserID), nullIfEmpty(v.VisitTypeID), v.TypeName, v.Locked,
		v.ConsultationDetail.LockedOn, v.ConsultationDetail.LastUpdateBy,
	)
	stored, err := scanVisit(row)
	if errors.Is(err, ErrNotFound) {
		return Visit{}, ErrVersionConflict
	}
	if err != nil {
		return Visit{}, err
	}
	return *stored, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Visit, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+visitCols+` FROM visit WHERE patient_id = $1 ORDER BY date DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var visits []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		visits = append(visits, v)
	}
	return visits, total, rows.Err()
}

func (r *repoPG) Sign(ctx context.Context, v Visit) (Visit, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE visit SET signed_date=NOW(), version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND signed_date IS NULL AND locked = FALSE
		RETURNING `+visitCols, v.ID)
	stored, err := scanVisit(row)
	if errors.Is(err, ErrNotFound) {
		return Visit{}, r.signRefusal(ctx, v.ID)
	}
	if err != nil {
		return Visit{}, err
	}
	return *stored, nil
}

// signRefusal explains why Sign matched no row.
func (r *repoPG) signRefusal(ctx context.Context, id string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.IsSigned() {
		return ErrAlreadySigned
	}
	return ErrLocked
}

func (r *repoPG) CloseAppointment(ctx context.Context, appointmentID string) (Appointment, error) {
	var a Appointment
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET status=$2, updated_at=NOW() WHERE id = $1
		RETURNING id, status, comment`, appointmentID, AppointmentStatusCompleted,
	).Scan(&a.ID, &a.Status, &a.Comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, fmt.Errorf("appointment %s: %w", appointmentID, ErrNotFound)
	}
	return a, err
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var userID, visitTypeID *string
	err := row.Scan(
		&v.ID, &v.PatientID, &userID, &v.StoreID, &v.AppointmentID, &visitTypeID, &v.TypeName, &v.Date,
		&v.Locked, &v.PreCustomExamIDs, &v.CustomExamIDs,
		&v.Privileges.MedicalData, &v.Privileges.Pretest, &v.Privileges.FinalRx, &v.Privileges.Fitting,
		&v.Prescription.SignedDate, &v.ConsultationDetail.LockedOn,
		&v.ConsultationDetail.LastUpdateOn, &v.ConsultationDetail.LastUpdateBy,
		&v.VersionID, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != nil {
		v.UserID = *userID
	}
	if visitTypeID != nil {
		v.VisitTypeID = *visitTypeID
	}
	return &v, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
