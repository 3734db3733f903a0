package main

// CallSummary stores information about the program invocation.
type CallSummary struct {
	// Version stores goiqp version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// TotalTime is the computations time in seconds.
	TotalTime float64 `json:"time"`
}

// SearchSummary is storing goiqp tree search summary information.
type SearchSummary struct {
	CallSummary
	// NTaxa is the number of taxa in the alignment.
	NTaxa int `json:"nTaxa"`
	// NSites is the alignment length.
	NSites int `json:"nSites"`
	// NPatterns is the number of unique site patterns.
	NPatterns int `json:"nPatterns"`
	// StartingTree is the starting tree.
	StartingTree string `json:"startingTree"`
	// StartingLnL is the log-likelihood of the optimized starting tree.
	StartingLnL float64 `json:"startingLnL,omitempty"`
	// FinalTree is the best tree found, with support values if computed.
	FinalTree string `json:"finalTree"`
	// LnL is the log-likelihood of the best tree.
	LnL float64 `json:"lnL"`
	// Parsimony is the parsimony score of the best tree.
	Parsimony int `json:"parsimony,omitempty"`
	// SearchTime is the tree search time in seconds.
	SearchTime float64 `json:"searchTime"`
}
