package status

import (
	"encoding/xml"
	"fmt"
	"time"
)

// LastUpdateLayout is ISO-8601 with milliseconds and an explicit zone.
const LastUpdateLayout = "2006-01-02T15:04:05.000Z07:00"

// Document is the status XML written to disk and sent to the message queue.
type Document struct {
	XMLName   xml.Name          `xml:"Root"`
	Manager   ManagerElement    `xml:"Manager"`
	Task      TaskElement       `xml:"Task"`
	CoreUsage *CoreUsageElement `xml:"ProgRunnerCoreUsage,omitempty"`
}

type ManagerElement struct {
	MgrName             string   `xml:"MgrName"`
	MgrStatus           string   `xml:"MgrStatus"`
	LastUpdate          string   `xml:"LastUpdate"`
	LastStartTime       string   `xml:"LastStartTime"`
	CPUUtilization      string   `xml:"CPUUtilization"`
	FreeMemoryMB        string   `xml:"FreeMemoryMB"`
	ProcessID           int      `xml:"ProcessID"`
	ProgRunnerProcessID int      `xml:"ProgRunnerProcessID"`
	ProgRunnerCoreUsage string   `xml:"ProgRunnerCoreUsage"`
	RecentErrorMessages []string `xml:"RecentErrorMessages>ErrMsg"`
}

type TaskElement struct {
	Tool             string             `xml:"Tool"`
	Status           string             `xml:"Status"`
	Duration         string             `xml:"Duration"`
	DurationMinutes  string             `xml:"DurationMinutes"`
	Progress         string             `xml:"Progress"`
	CurrentOperation string             `xml:"CurrentOperation"`
	TaskDetails      TaskDetailsElement `xml:"TaskDetails"`
}

type TaskDetailsElement struct {
	Status               string `xml:"Status"`
	Job                  int    `xml:"Job"`
	Step                 int    `xml:"Step"`
	Dataset              string `xml:"Dataset"`
	MostRecentLogMessage string `xml:"MostRecentLogMessage"`
	MostRecentJobInfo    string `xml:"MostRecentJobInfo"`
	SpectrumCount        int    `xml:"SpectrumCount"`
}

type CoreUsageElement struct {
	Count   int                 `xml:"Count,attr"`
	Samples []CoreUsageXMLEntry `xml:"CoreUsageSample"`
}

type CoreUsageXMLEntry struct {
	Date  string `xml:"Date,attr"`
	Cores string `xml:",chardata"`
}

// Snapshot is the full reportable state at one instant.
type Snapshot struct {
	MgrName             string
	MgrStatus           MgrStatus
	LastStartTime       time.Time
	CPUUtilization      float64
	FreeMemoryMB        float64
	ProcessID           int
	ProgRunnerProcessID int
	ProgRunnerCoreUsage float64

	Tool             string
	TaskStatus       TaskStatus
	TaskStartTime    time.Time
	Progress         float64
	CurrentOperation string

	TaskDetail           TaskStatusDetail
	Job                  int
	Step                 int
	Dataset              string
	MostRecentLogMessage string
	MostRecentJobInfo    string
	SpectrumCount        int

	RecentErrors []string // most recent first
	CoreUsage    []CoreUsageSample
}

// BuildDocument renders s as of now.
func BuildDocument(s Snapshot, now time.Time) Document {
	var hours float64
	if !s.TaskStartTime.IsZero() && s.TaskStatus != TaskNoTask {
		hours = now.Sub(s.TaskStartTime).Hours()
	}
	var lastStart string
	if !s.LastStartTime.IsZero() {
		lastStart = s.LastStartTime.Format(LastUpdateLayout)
	}

	doc := Document{
		Manager: ManagerElement{
			MgrName:             s.MgrName,
			MgrStatus:           s.MgrStatus.String(),
			LastUpdate:          now.Format(LastUpdateLayout),
			LastStartTime:       lastStart,
			CPUUtilization:      fmt.Sprintf("%.1f", s.CPUUtilization),
			FreeMemoryMB:        fmt.Sprintf("%.1f", s.FreeMemoryMB),
			ProcessID:           s.ProcessID,
			ProgRunnerProcessID: s.ProgRunnerProcessID,
			ProgRunnerCoreUsage: fmt.Sprintf("%.2f", s.ProgRunnerCoreUsage),
			RecentErrorMessages: s.RecentErrors,
		},
		Task: TaskElement{
			Tool:             s.Tool,
			Status:           s.TaskStatus.String(),
			Duration:         fmt.Sprintf("%.2f", hours),
			DurationMinutes:  fmt.Sprintf("%.1f", hours*60),
			Progress:         fmt.Sprintf("%.2f", s.Progress),
			CurrentOperation: s.CurrentOperation,
			TaskDetails: TaskDetailsElement{
				Status:               s.TaskDetail.String(),
				Job:                  s.Job,
				Step:                 s.Step,
				Dataset:              s.Dataset,
				MostRecentLogMessage: s.MostRecentLogMessage,
				MostRecentJobInfo:    s.MostRecentJobInfo,
				SpectrumCount:        s.SpectrumCount,
			},
		},
	}

	if len(s.CoreUsage) > 0 {
		cu := &CoreUsageElement{Count: len(s.CoreUsage)}
		for _, sample := range s.CoreUsage {
			cu.Samples = append(cu.Samples, CoreUsageXMLEntry{
				Date:  sample.Time.Format(LastUpdateLayout),
				Cores: fmt.Sprintf("%.2f", sample.Cores),
			})
		}
		doc.CoreUsage = cu
	}
	return doc
}

// Marshal renders the document as indented XML with a declaration.
func (d Document) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal status document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ParseDocument decodes a status document.
func ParseDocument(data []byte) (Document, error) {
	var d Document
	if err := xml.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("parse status document: %w", err)
	}
	return d, nil
}
