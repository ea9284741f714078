package models

import "time"

// InstanceState is the lifecycle state of a provisioned instance
type InstanceState string

const (
	StateRequesting  InstanceState = "requesting"
	StatePending     InstanceState = "pending"
	StateRunning     InstanceState = "running"
	StateInterrupted InstanceState = "interrupted"
	StateFailed      InstanceState = "failed"
	StateTerminating InstanceState = "terminating"
	StateTerminated  InstanceState = "terminated"
)

// transitions lists the states reachable from each state
var transitions = map[InstanceState][]InstanceState{
	StateRequesting:  {StatePending, StateInterrupted, StateFailed, StateTerminating, StateTerminated},
	StatePending:     {StateRunning, StateInterrupted, StateFailed, StateTerminating},
	StateRunning:     {StateTerminating, StateInterrupted},
	StateInterrupted: {StateRequesting, StateFailed, StateTerminating},
	StateFailed:      {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to InstanceState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsFinal reports whether no further transition is expected without a release
func (s InstanceState) IsFinal() bool {
	return s == StateTerminated || s == StateFailed
}

// IsReleasing reports whether termination has already been requested or completed
func (s InstanceState) IsReleasing() bool {
	return s == StateTerminating || s == StateTerminated
}

// ProvisionedInstance is the state owned by one provisioning state machine
type ProvisionedInstance struct {
	ID            string        `json:"id"`
	ProjectName   string        `json:"project"`
	ProviderID    string        `json:"provider_id,omitempty"`
	SpotRequestID string        `json:"spot_request_id,omitempty"`
	State         InstanceState `json:"state"`
	TypeID        string        `json:"type_id"`
	Zone          string        `json:"zone,omitempty"`
	Market        Market        `json:"market"`
	Price         float64       `json:"price"`
	Address       string        `json:"address,omitempty"`
	LaunchTime    *time.Time    `json:"launch_time,omitempty"`
	Attempts      int           `json:"attempts"`
	Retries       int           `json:"retries"`
	LastError     string        `json:"last_error,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RemoteInstance is the provider's view of an instance
type RemoteInstance struct {
	ProviderID    string
	SpotRequestID string
	State         RemoteState
	Address       string
	LaunchTime    *time.Time
	TypeID        string
	Zone          string
	// Interrupted is set when the provider reclaimed the instance
	Interrupted bool
	Reason      string
}

// RemoteState is the provider-reported instance state
type RemoteState string

const (
	RemotePending      RemoteState = "pending"
	RemoteRunning      RemoteState = "running"
	RemoteShuttingDown RemoteState = "shutting-down"
	RemoteStopping     RemoteState = "stopping"
	RemoteStopped      RemoteState = "stopped"
	RemoteTerminated   RemoteState = "terminated"
	RemoteUnknown      RemoteState = "unknown"
)

// LaunchRequest is everything the provider needs to start one instance
type LaunchRequest struct {
	Project         string
	InstanceID      string // local id, recorded as a tag
	RunID           string
	TypeID          string
	Zone            string
	Market          Market
	Price           float64 // expected hourly price, used for cost tracking
	MaxPrice        float64 // spot bid; zero leaves the on-demand price as the cap
	ImageID         string
	KeyName         string
	SecurityGroupID string
	InstanceProfile string
	UserData        string
}

// AccessConfig is the access provisioned for a project: SSH for the runner,
// an instance profile for code running on the instances
type AccessConfig struct {
	KeyName         string
	KeyPath         string
	SecurityGroupID string
	InstanceProfile string
	User            string
}

// AccessRequest selects which access resources EnsureAccess creates
type AccessRequest struct {
	Project string
	CIDR    string
	// Buckets the instances read and write; the project bucket comes first
	Buckets  []string
	LogGroup string
	SSH      bool // key pair and security group
	Role     bool // IAM role and instance profile
}
