// =============================================================================
// 📦 测试数据工厂 - 工作流定义
// =============================================================================
// YAML 工作流定义样例，供 DSL 解析与命令行测试使用
// =============================================================================
package fixtures

// OrderDefinition 两个顺序节点：price 计算 total = amount * 2，
// ship 生成 label = "order-" + currency（初始状态 currency=EUR）
const OrderDefinition = `
version: "1"
name: orders
state: {currency: EUR}
workflow:
  entry: price
  nodes:
    - id: price
      step_def:
        type: assign
        config:
          total: amount * 2
      next: [ship]
    - id: ship
      step_def:
        type: assign
        config:
          label: '"order-" + currency'
`

// FailingPaymentDefinition reserve 声明了补偿，随后 charge 以不可重试错误失败
const FailingPaymentDefinition = `
version: "1"
name: payments
workflow:
  entry: reserve
  nodes:
    - id: reserve
      step_def:
        type: assign
        config:
          reserved: true
      undo: {type: passthrough}
      next: [charge]
    - id: charge
      step_def:
        type: fail
        config:
          message: card declined
          permanent: true
`

// BrokenDefinition 引用了不存在的节点，校验失败
const BrokenDefinition = `
version: "1"
name: broken
workflow:
  entry: a
  nodes:
    - id: a
      step_def: {type: passthrough}
      next: [nowhere]
`
