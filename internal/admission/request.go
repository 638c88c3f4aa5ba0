package admission

import (
	admissionv1 "k8s.io/api/admission/v1"
)

// Request is an immutable snapshot of one proposed cluster operation.
// It is constructed once per inbound admission review, never mutated,
// and discarded after the response is sent. All rule input lives here:
// no rule evaluation touches the network or the API server.
type Request struct {
	UID         string
	Operation   admissionv1.Operation
	Group       string
	Version     string
	Kind        string
	Resource    string
	SubResource string
	Namespace   string
	Name        string
	Username    string
	Groups      []string

	// RawObject is the full proposed object body; RawOldObject the prior
	// body on UPDATE. DELETE requests carry only RawOldObject.
	RawObject    []byte
	RawOldObject []byte

	// Workload is the decoded workload view when Kind is a workload kind
	// and the operation carries a meaningful spec (CREATE/UPDATE). It is
	// nil for DELETE: a DELETE is never judged by stored spec state.
	Workload *Workload
}

// FromReview builds a Request from the admission-review envelope.
// Workload decoding happens here so that rules stay pure; a decode
// failure is reported to the caller, who must fail closed.
func FromReview(ar admissionv1.AdmissionRequest) (*Request, error) {
	req := &Request{
		UID:         string(ar.UID),
		Operation:   ar.Operation,
		Group:       ar.Kind.Group,
		Version:     ar.Kind.Version,
		Kind:        ar.Kind.Kind,
		Resource:    ar.Resource.Resource,
		SubResource: ar.SubResource,
		Namespace:   ar.Namespace,
		Name:        ar.Name,
		Username:    ar.UserInfo.Username,
		Groups:      ar.UserInfo.Groups,
	}
	if ar.Object.Raw != nil {
		req.RawObject = ar.Object.Raw
	}
	if ar.OldObject.Raw != nil {
		req.RawOldObject = ar.OldObject.Raw
	}

	if req.SubResource != "" {
		// Subresource requests (exec, attach, scale, ...) do not carry a
		// workload body worth decoding.
		return req, nil
	}

	switch req.Operation {
	case admissionv1.Create, admissionv1.Update:
		if !IsWorkloadKind(req.Group, req.Kind) {
			return req, nil
		}
		w, err := decodeWorkload(req.Group, req.Kind, req.RawObject)
		if err != nil {
			return nil, err
		}
		req.Workload = w
	}
	return req, nil
}

// IsDelete reports whether the request removes an object.
func (r *Request) IsDelete() bool {
	return r.Operation == admissionv1.Delete
}

// IsConnect reports whether the request is a subresource connection
// (exec, attach, port-forward).
func (r *Request) IsConnect() bool {
	return r.Operation == admissionv1.Connect
}
