// Package pipeline provides the business boundary for Sift's advisory
// routing runs. It defines the Service (run lifecycle, async dispatch,
// resume), Orchestrator (stage execution with checkpoints), Store interface
// (persistence), and run models.
package pipeline
