package sdms

// Remote payload shapes are an upstream contract; field names follow the
// remote JSON exactly, including its quirks.

// StudentRecord is the student lookup response.
type StudentRecord struct {
	StudentNumber   string `json:"studentNumber"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	SchoolCode      string `json:"schoolCode"`
	CombinationCode string `json:"combinationCode"`
	Combination     string `json:"combination"`
	ClassGrade      string `json:"classGrade"`
	AcademicYear    string `json:"academicYear"`
	Status          string `json:"status"`
	RegisteredOn    string `json:"registrationDate"`
}

// StaffSubject is one subject assignment in a staff lookup response.
type StaffSubject struct {
	Code string `json:"subjectCode"`
	Name string `json:"subjectName"`
}

// StaffRecord is the staff lookup response.
type StaffRecord struct {
	StaffID   string `json:"staffId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	// The staff endpoint ships the school code under a misspelled key.
	// Both spellings are honored, the correct one first.
	SchoolCode           string         `json:"schoolCode"`
	SchoolCodeMisspelled string         `json:"shcoolCode"`
	Position             string         `json:"position"`
	AcademicYear         string         `json:"academicYear"`
	Status               string         `json:"status"`
	Subjects             []StaffSubject `json:"subjects"`
}

// ResolveSchoolCode returns the school code regardless of which key the
// remote used.
func (r *StaffRecord) ResolveSchoolCode() string {
	if r.SchoolCode != "" {
		return r.SchoolCode
	}
	return r.SchoolCodeMisspelled
}

// SchoolRecord is the school lookup response with its full hierarchy.
type SchoolRecord struct {
	SchoolCode   string  `json:"schoolCode"`
	SchoolName   string  `json:"schoolName"`
	RegionCode   string  `json:"regionCode"`
	Active       bool    `json:"active"`
	Status       string  `json:"status"`
	AcademicYear string  `json:"academicYear"`
	Levels       []Level `json:"levels"`
}

// Level is one hierarchy level in a school response.
type Level struct {
	Code         string        `json:"levelCode"`
	Name         string        `json:"levelName"`
	Combinations []Combination `json:"combinations"`
}

// Combination is one trade/program under a level.
type Combination struct {
	Code   string  `json:"combinationCode"`
	Name   string  `json:"combinationName"`
	Grades []Grade `json:"grades"`
}

// Grade is one study year under a combination.
type Grade struct {
	Code        string       `json:"gradeCode"`
	Name        string       `json:"gradeName"`
	ClassGroups []ClassGroup `json:"classGroups"`
}

// ClassGroup is one class section under a grade.
type ClassGroup struct {
	Code string `json:"classGroupCode"`
	Name string `json:"classGroupName"`
}
