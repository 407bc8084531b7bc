package visit

// Privilege is the access level granted on one privilege domain of a visit.
type Privilege string

const (
	NoAccess   Privilege = "NOACCESS"
	ReadOnly   Privilege = "READONLY"
	FullAccess Privilege = "FULLACCESS"
)

// SectionCL is the contact lens section, readable with fitting access alone.
const SectionCL = "CL"

// Privileges holds the four independent privilege domains of a visit.
// Any value other than READONLY or FULLACCESS is treated as NOACCESS.
type Privileges struct {
	MedicalData Privilege `db:"medical_data_privilege" json:"medical_data"`
	Pretest     Privilege `db:"pretest_privilege" json:"pretest"`
	FinalRx     Privilege `db:"final_rx_privilege" json:"final_rx"`
	Fitting     Privilege `db:"fitting_privilege" json:"fitting"`
}

// CanRead reports whether p grants read access.
func (p Privilege) CanRead() bool {
	return p == ReadOnly || p == FullAccess
}

// CanWrite reports whether p grants write access.
func (p Privilege) CanWrite() bool {
	return p == FullAccess
}

func (p Privileges) MedicalDataRead() bool  { return p.MedicalData.CanRead() }
func (p Privileges) PretestRead() bool      { return p.Pretest.CanRead() }
func (p Privileges) FinalRxRead() bool      { return p.FinalRx.CanRead() }
func (p Privileges) FittingRead() bool      { return p.Fitting.CanRead() }
func (p Privileges) MedicalDataWrite() bool { return p.MedicalData.CanWrite() }
func (p Privileges) PretestWrite() bool     { return p.Pretest.CanWrite() }
func (p Privileges) FinalRxWrite() bool     { return p.FinalRx.CanWrite() }
func (p Privileges) FittingWrite() bool     { return p.Fitting.CanWrite() }

// SectionHasReadAccess reports whether exams of the given section may be shown.
// The CL section is also open to fitting access; every other section needs
// pretest or medical data access. An empty section is never readable.
func (p Privileges) SectionHasReadAccess(section string) bool {
	if section == "" {
		return false
	}
	if section == SectionCL {
		return p.FittingRead() || p.PretestRead() || p.MedicalDataRead()
	}
	return p.PretestRead() || p.MedicalDataRead()
}

// HasAnyReadAccess reports whether the visit body may be rendered at all.
func (p Privileges) HasAnyReadAccess() bool {
	return p.PretestRead() || p.FinalRxRead() || p.FittingRead()
}

// CanUnlock reports whether a locked visit may be reopened.
func (p Privileges) CanUnlock() bool {
	return p.MedicalDataWrite() || p.PretestWrite()
}
