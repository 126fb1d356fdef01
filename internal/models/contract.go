package models

// Contract binds a worker to an employer.
type Contract struct {
	Meta
	WorkerID     int64   `db:"worker_id" json:"worker_id"`
	EmployerID   int64   `db:"employer_id" json:"employer_id"`
	StartDate    string  `db:"start_date" json:"start_date"`
	EndDate      string  `db:"end_date" json:"end_date"`
	HoursPerWeek float64 `db:"hours_per_week" json:"hours_per_week"`
	HourlyWage   float64 `db:"hourly_wage" json:"hourly_wage"`
}

// TableName returns the table name for Contract.
func (Contract) TableName() string { return TableContracts }

// Columns returns the business columns of Contract.
func (Contract) Columns() []string {
	return []string{"worker_id", "employer_id", "start_date", "end_date", "hours_per_week", "hourly_wage"}
}

// WorkSession records hours worked under a contract on one day.
type WorkSession struct {
	Meta
	ContractID  int64   `db:"contract_id" json:"contract_id"`
	Date        string  `db:"date" json:"date"`
	HoursWorked float64 `db:"hours_worked" json:"hours_worked"`
	Notes       string  `db:"notes" json:"notes"`
}

// TableName returns the table name for WorkSession.
func (WorkSession) TableName() string { return TableWorkSessions }

// Columns returns the business columns of WorkSession.
func (WorkSession) Columns() []string {
	return []string{"contract_id", "date", "hours_worked", "notes"}
}

// Payment records money paid under a contract.
type Payment struct {
	Meta
	ContractID int64   `db:"contract_id" json:"contract_id"`
	Date       string  `db:"date" json:"date"`
	Amount     float64 `db:"amount" json:"amount"`
	Method     string  `db:"method" json:"method"`
}

// TableName returns the table name for Payment.
func (Payment) TableName() string { return TablePayments }

// Columns returns the business columns of Payment.
func (Payment) Columns() []string {
	return []string{"contract_id", "date", "amount", "method"}
}
