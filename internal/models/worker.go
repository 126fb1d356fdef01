package models

// Worker is a household worker.
type Worker struct {
	Meta
	FirstName   string `db:"first_name" json:"first_name"`
	LastName    string `db:"last_name" json:"last_name"`
	DateOfBirth string `db:"date_of_birth" json:"date_of_birth"`
	Phone       string `db:"phone" json:"phone"`
	Email       string `db:"email" json:"email"`
}

// TableName returns the table name for Worker.
func (Worker) TableName() string { return TableWorkers }

// Columns returns the business columns of Worker.
func (Worker) Columns() []string {
	return []string{"first_name", "last_name", "date_of_birth", "phone", "email"}
}

// Employer is the household employing workers.
type Employer struct {
	Meta
	Name    string `db:"name" json:"name"`
	Phone   string `db:"phone" json:"phone"`
	Email   string `db:"email" json:"email"`
	Address string `db:"address" json:"address"`
}

// TableName returns the table name for Employer.
func (Employer) TableName() string { return TableEmployers }

// Columns returns the business columns of Employer.
func (Employer) Columns() []string {
	return []string{"name", "phone", "email", "address"}
}
