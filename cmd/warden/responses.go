package main

import "github.com/kelden/warden/pkg/types"

type InitResponse struct {
	Message     string            `json:"message"`
	Path        string            `json:"path"`
	Directories map[string]string `json:"directories"`
}

type SubmitResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Location string `json:"location"`
	Type     string `json:"type"`
}

type StatusResponse struct {
	Workers []*types.WorkerInfo `json:"workers"`
}

type ListResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

type EscalationsResponse struct {
	Escalations []*types.Escalation `json:"escalations"`
}

type AuditResponse struct {
	Entries []types.AuditEntry `json:"entries"`
}
